package routes

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/infinitchat/internal/call"
	"github.com/petervdpas/infinitchat/internal/rtc"
)

var log = logging.Logger("viewer")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The viewer only listens on loopback; any local page may subscribe.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

type statsConn interface {
	Stats() map[string]rtc.TrackStats
}

// RegisterCall registers the call control API. Every mutating endpoint
// answers with the resulting call state.
func RegisterCall(mux *http.ServeMux, m *call.Manager) {
	if m == nil {
		return
	}

	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.State())
	})

	// GET /api/call/history?n=20
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		n := 20
		if s := r.URL.Query().Get("n"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 {
				http.Error(w, "invalid n", http.StatusBadRequest)
				return
			}
			n = v
		}
		writeJSON(w, m.History(n))
	})

	// GET /api/call/debug: live connection state and RTP counters.
	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{"state": m.State()}
		if c := m.Conn(); c != nil {
			out["open"] = c.Open()
			if sc, ok := c.(statsConn); ok {
				out["tracks"] = sc.Stats()
			}
		}
		writeJSON(w, out)
	})

	handlePost(mux, "/api/call/dial", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID   string        `json:"peer_id"`
		CallType call.CallType `json:"call_type"`
	}) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		if req.CallType == "" {
			req.CallType = call.Video
		}
		if _, err := m.Dial(r.Context(), req.PeerID, req.CallType); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, m.State())
	})

	action := func(path string, fn func(ctx context.Context) error) {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			if err := fn(r.Context()); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, m.State())
		})
	}
	action("/api/call/answer", func(ctx context.Context) error {
		_, err := m.Answer(ctx)
		return err
	})
	action("/api/call/reject", func(context.Context) error { return m.Reject() })
	action("/api/call/hangup", func(context.Context) error { return m.Hangup() })
	action("/api/call/attach", func(ctx context.Context) error {
		_, err := m.Attach(ctx)
		return err
	})

	// Toggles act on the mounted view.
	withSession := func(path string, fn func(ctx context.Context, s *call.Session) error) {
		action(path, func(ctx context.Context) error {
			s := m.Session()
			if s == nil {
				return call.ErrNoCall
			}
			return fn(ctx, s)
		})
	}
	withSession("/api/call/unmount", func(_ context.Context, s *call.Session) error {
		s.Unmount()
		return nil
	})
	withSession("/api/call/toggle-mute", func(_ context.Context, s *call.Session) error {
		_, err := s.ToggleMute()
		return err
	})
	withSession("/api/call/toggle-camera", func(_ context.Context, s *call.Session) error {
		_, err := s.ToggleCamera()
		return err
	})
	withSession("/api/call/toggle-screen", func(ctx context.Context, s *call.Session) error {
		_, err := s.ToggleScreenShare(ctx)
		return err
	})

	// GET /api/call/events: websocket feed of call events, starting with
	// the current state.
	mux.HandleFunc("GET /api/call/events", func(w http.ResponseWriter, r *http.Request) {
		ws, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("VIEWER: websocket upgrade: %v", err)
			return
		}
		defer ws.Close()

		events, cancel := m.Subscribe()
		defer cancel()

		// Reads only to notice the client going away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := ws.NextReader(); err != nil {
					return
				}
			}
		}()

		st := m.State()
		first := call.Event{Type: call.EventState, Phase: st.Phase, Peer: st.Peer, CallType: st.CallType}
		if err := writeWS(ws, first); err != nil {
			return
		}

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case <-ping.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case evt := <-events:
				if err := writeWS(ws, evt); err != nil {
					return
				}
			}
		}
	})
}

func writeWS(ws *websocket.Conn, v any) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.WriteJSON(v)
}
