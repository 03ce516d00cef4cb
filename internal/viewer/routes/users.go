package routes

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/petervdpas/infinitchat/internal/blob"
	"github.com/petervdpas/infinitchat/internal/friends"
	"github.com/petervdpas/infinitchat/internal/profile"
	"github.com/petervdpas/infinitchat/internal/status"
)

func registerUserRoutes(mux *http.ServeMux, d Deps) {
	if d.Profiles == nil {
		return
	}

	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		u, err := d.Profiles.Get(r.Context(), d.SelfID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, u)
	})

	handlePost(mux, "/api/self", func(w http.ResponseWriter, r *http.Request, req struct {
		DisplayName *string `json:"displayName"`
		PhotoURL    *string `json:"photoURL"`
		BannerURL   *string `json:"bannerURL"`
		Bio         *string `json:"bio"`
	}) {
		err := d.Profiles.Update(r.Context(), d.SelfID, profile.Changes{
			DisplayName: req.DisplayName,
			PhotoURL:    req.PhotoURL,
			BannerURL:   req.BannerURL,
			Bio:         req.Bio,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		ok(w)
	})

	// POST /api/self/photo: multipart "file", stored under avatars/<id>/.
	mux.HandleFunc("POST /api/self/photo", func(w http.ResponseWriter, r *http.Request) {
		if d.Blobs == nil {
			writeError(w, status.ErrNoBlobStore)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxImage+(1<<20))
		if err := r.ParseMultipartForm(maxImage); err != nil {
			http.Error(w, "invalid upload", http.StatusBadRequest)
			return
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		ct := hdr.Header.Get("Content-Type")
		key, err := blob.Key("avatars/"+d.SelfID, ct)
		if err != nil {
			writeError(w, err)
			return
		}
		url, err := d.Blobs.Put(r.Context(), key, file, hdr.Size, ct)
		if err != nil {
			writeError(w, fmt.Errorf("upload photo: %w", err))
			return
		}
		if err := d.Profiles.Update(r.Context(), d.SelfID, profile.Changes{PhotoURL: &url}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"photoURL": url})
	})

	// GET /api/users?q=name
	handleGet(mux, "/api/users", func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		var (
			users []profile.User
			err   error
		)
		if q == "" {
			users, err = d.Profiles.List(r.Context(), d.SelfID)
		} else {
			users, err = d.Profiles.Search(r.Context(), q, d.SelfID)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		if users == nil {
			users = []profile.User{}
		}
		writeJSON(w, users)
	})

	handleGet(mux, "/api/users/name-available", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "missing name", http.StatusBadRequest)
			return
		}
		free, err := d.Profiles.NameAvailable(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"available": free})
	})

	handleGet(mux, "/api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		u, err := d.Profiles.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, u)
	})

	handleGet(mux, "/api/friends", func(w http.ResponseWriter, r *http.Request) {
		self, err := d.Profiles.Get(r.Context(), d.SelfID)
		if err != nil {
			writeError(w, err)
			return
		}
		all, err := d.Profiles.List(r.Context(), d.SelfID)
		if err != nil {
			writeError(w, err)
			return
		}
		out := profile.FriendsOf(all, self)
		if out == nil {
			out = []profile.User{}
		}
		writeJSON(w, out)
	})
}

func registerFriendRoutes(mux *http.ServeMux, d Deps) {
	if d.Friends == nil {
		return
	}

	handleGet(mux, "/api/friends/requests", func(w http.ResponseWriter, r *http.Request) {
		reqs, err := d.Friends.Pending(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if reqs == nil {
			reqs = []friends.Request{}
		}
		writeJSON(w, reqs)
	})

	handlePost(mux, "/api/friends/request", func(w http.ResponseWriter, r *http.Request, req struct {
		To string `json:"to"`
	}) {
		id, err := d.Friends.SendRequest(r.Context(), req.To)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "sent", "id": id})
	})

	handlePost(mux, "/api/friends/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		RequestID string `json:"request_id"`
		From      string `json:"from"`
	}) {
		if req.RequestID == "" || req.From == "" {
			http.Error(w, "missing request_id or from", http.StatusBadRequest)
			return
		}
		if err := d.Friends.AcceptRequest(r.Context(), req.RequestID, req.From); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "accepted"})
	})

	handlePost(mux, "/api/friends/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		RequestID string `json:"request_id"`
	}) {
		if req.RequestID == "" {
			http.Error(w, "missing request_id", http.StatusBadRequest)
			return
		}
		if err := d.Friends.RejectRequest(r.Context(), req.RequestID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	handlePost(mux, "/api/friends/remove", func(w http.ResponseWriter, r *http.Request, req struct {
		FriendID string `json:"friend_id"`
	}) {
		if req.FriendID == "" {
			http.Error(w, "missing friend_id", http.StatusBadRequest)
			return
		}
		if err := d.Friends.RemoveFriend(r.Context(), req.FriendID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "removed"})
	})
}

func registerPresenceRoutes(mux *http.ServeMux, d Deps) {
	if d.Presence == nil {
		return
	}
	handleGet(mux, "/api/presence", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Presence.Snapshot())
	})
	handleGet(mux, "/api/presence/online", func(w http.ResponseWriter, r *http.Request) {
		online := d.Presence.Online()
		if online == nil {
			online = []string{}
		}
		writeJSON(w, online)
	})

	// GET /api/presence/events: SSE, a snapshot first and then changes.
	mux.HandleFunc("GET /api/presence/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch := d.Presence.Subscribe()
		defer d.Presence.Unsubscribe(ch)

		writeSSE(w, "snapshot", d.Presence.Snapshot())
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				writeSSE(w, evt.Type, evt)
				flusher.Flush()
			}
		}
	})
}
