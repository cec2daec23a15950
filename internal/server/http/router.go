package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the API under /api and, when staticDir is set, the web
// assets under /web.
func NewRouter(h *Handler, staticDir string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/api/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.handleListSessions)
		r.Post("/", h.handleNewSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetSession)
			r.Delete("/", h.handleDeleteSession)
			r.Post("/search", h.handleSearch)
			r.Post("/stop", h.handleStop)
			r.Post("/play", h.handlePlay)
			r.Get("/tree", h.handleTree)
			r.Get("/tree.dot", h.handleTreeDOT)
			r.Get("/ws", h.serveWS)
		})
	})

	if staticDir != "" {
		RegisterStaticRoutes(r, staticDir)
	}
	return r
}
