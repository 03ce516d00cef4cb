package routes

import (
	"net/http"

	"github.com/petervdpas/infinitchat/internal/chat"
)

// RegisterChat wires the one-to-one chat endpoints.
//
//	GET  /api/chat/history?peer_id=X  full thread with a peer, oldest first
//	POST /api/chat/send               {"peer_id": X, "text": "..."}
//	GET  /api/chat/recent             messages sent from this process
func RegisterChat(mux *http.ServeMux, m *chat.Manager) {
	if m == nil {
		return
	}

	handleGet(mux, "/api/chat/history", func(w http.ResponseWriter, r *http.Request) {
		sess, err := m.Open(r.URL.Query().Get("peer_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		msgs, err := sess.History(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if msgs == nil {
			msgs = []chat.Message{}
		}
		writeJSON(w, msgs)
	})

	handlePost(mux, "/api/chat/send", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string `json:"peer_id"`
		Text   string `json:"text"`
	}) {
		sess, err := m.Open(req.PeerID)
		if err != nil {
			writeError(w, err)
			return
		}
		msg, err := sess.Send(r.Context(), req.Text)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, msg)
	})

	handleGet(mux, "/api/chat/recent", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.Recent())
	})
}
