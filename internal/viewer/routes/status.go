package routes

import (
	"net/http"

	"github.com/petervdpas/infinitchat/internal/status"
)

// maxImage bounds status image uploads.
const maxImage = 10 << 20

func registerStatusRoutes(mux *http.ServeMux, d Deps) {
	if d.Status == nil || d.Profiles == nil {
		return
	}

	handleGet(mux, "/api/status/feed", func(w http.ResponseWriter, r *http.Request) {
		self, err := d.Profiles.Get(r.Context(), d.SelfID)
		if err != nil {
			writeError(w, err)
			return
		}
		feed, err := d.Status.Feed(r.Context(), self)
		if err != nil {
			writeError(w, err)
			return
		}
		if feed == nil {
			feed = []status.Status{}
		}
		writeJSON(w, feed)
	})

	handlePost(mux, "/api/status", func(w http.ResponseWriter, r *http.Request, req struct {
		Text       string `json:"text"`
		Image      string `json:"image"`
		Background string `json:"background"`
	}) {
		self, err := d.Profiles.Get(r.Context(), d.SelfID)
		if err != nil {
			writeError(w, err)
			return
		}
		id, err := d.Status.Post(r.Context(), self, status.Draft{
			Text:       req.Text,
			Image:      req.Image,
			Background: req.Background,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "posted", "id": id})
	})

	// POST /api/status/image: multipart form with "file" and optional "text".
	mux.HandleFunc("POST /api/status/image", func(w http.ResponseWriter, r *http.Request) {
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

		self, err := d.Profiles.Get(r.Context(), d.SelfID)
		if err != nil {
			writeError(w, err)
			return
		}
		id, err := d.Status.PostImage(r.Context(), self, r.FormValue("text"), file, hdr.Size, hdr.Header.Get("Content-Type"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "posted", "id": id})
	})

	handlePost(mux, "/api/status/{id}/view", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s, err := d.Status.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := d.Status.RecordView(r.Context(), s, d.SelfID); err != nil {
			writeError(w, err)
			return
		}
		ok(w)
	})

	handlePost(mux, "/api/status/{id}/delete", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s, err := d.Status.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := d.Status.Delete(r.Context(), s, d.SelfID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	})
}
