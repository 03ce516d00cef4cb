package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/petervdpas/infinitchat/internal/blob"
	"github.com/petervdpas/infinitchat/internal/call"
	"github.com/petervdpas/infinitchat/internal/chat"
	"github.com/petervdpas/infinitchat/internal/friends"
	"github.com/petervdpas/infinitchat/internal/media"
	"github.com/petervdpas/infinitchat/internal/metrics"
	"github.com/petervdpas/infinitchat/internal/profile"
	"github.com/petervdpas/infinitchat/internal/status"
	"github.com/petervdpas/infinitchat/internal/store"
)

// maxBody bounds JSON request bodies.
const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return err
	}
	return nil
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, profile.ErrNameTaken),
		errors.Is(err, call.ErrBusy),
		errors.Is(err, call.ErrNotRinging),
		errors.Is(err, call.ErrNoCall),
		errors.Is(err, call.ErrUnmounted),
		errors.Is(err, friends.ErrRequestClosed):
		code = http.StatusConflict
	case errors.Is(err, friends.ErrNotRecipient),
		errors.Is(err, friends.ErrSenderMismatch),
		errors.Is(err, status.ErrNotAuthor),
		errors.Is(err, media.ErrPermissionDenied):
		code = http.StatusForbidden
	case errors.Is(err, profile.ErrInvalidName),
		errors.Is(err, friends.ErrSelfRequest),
		errors.Is(err, friends.ErrNoRecipient),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrNoPeer),
		errors.Is(err, status.ErrEmptyStatus),
		errors.Is(err, call.ErrInvalidPeer),
		errors.Is(err, call.ErrAudioOnly),
		errors.Is(err, blob.ErrNotImage):
		code = http.StatusBadRequest
	case errors.Is(err, status.ErrNoBlobStore),
		errors.Is(err, media.ErrUnsupported),
		errors.Is(err, media.ErrNoDevice):
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}

func handleGet(mux *http.ServeMux, path string, h http.HandlerFunc) {
	mux.HandleFunc("GET "+path, metrics.Instrument(path, h))
}

// handlePost decodes the JSON body into T before calling h.
func handlePost[T any](mux *http.ServeMux, path string, h func(w http.ResponseWriter, r *http.Request, req T)) {
	mux.HandleFunc("POST "+path, metrics.Instrument(path, func(w http.ResponseWriter, r *http.Request) {
		var req T
		if decodeJSON(w, r, &req) != nil {
			return
		}
		h(w, r, req)
	}))
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	b, _ := json.Marshal(v)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}

func ok(w http.ResponseWriter) {
	writeJSON(w, map[string]string{"status": "ok"})
}
