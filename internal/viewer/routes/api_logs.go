package routes

import (
	"net/http"
	"strconv"

	"go.uber.org/zap/zapcore"

	"github.com/petervdpas/infinitchat/internal/logtail"
)

type Logs interface {
	Tail(n int, min zapcore.Level) []logtail.Entry
	Follow() (<-chan logtail.Entry, func())
}

// logQuery reads ?n= and ?level=. Level names are zap's ("debug", "warn").
func logQuery(r *http.Request) (n int, min zapcore.Level, ok bool) {
	min = zapcore.DebugLevel
	q := r.URL.Query()
	if s := q.Get("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return 0, min, false
		}
		n = v
	}
	if s := q.Get("level"); s != "" {
		if err := min.UnmarshalText([]byte(s)); err != nil {
			return 0, min, false
		}
	}
	return n, min, true
}

func registerAPILogRoutes(mux *http.ServeMux, d Deps) {
	if d.Logs == nil {
		return
	}

	// GET /api/logs?n=100&level=warn
	handleGet(mux, "/api/logs", func(w http.ResponseWriter, r *http.Request) {
		n, min, ok := logQuery(r)
		if !ok {
			http.Error(w, "invalid n or level", http.StatusBadRequest)
			return
		}
		writeJSON(w, d.Logs.Tail(n, min))
	})

	// GET /api/logs/stream: SSE of new lines only.
	mux.HandleFunc("GET /api/logs/stream", func(w http.ResponseWriter, r *http.Request) {
		_, min, ok := logQuery(r)
		if !ok {
			http.Error(w, "invalid level", http.StatusBadRequest)
			return
		}
		flusher, canFlush := w.(http.Flusher)
		if !canFlush {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)
		flusher.Flush()

		lines, stop := d.Logs.Follow()
		defer stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case e, open := <-lines:
				if !open {
					return
				}
				if !e.AtLeast(min) {
					continue
				}
				writeSSE(w, "message", e)
				flusher.Flush()
			}
		}
	})
}
