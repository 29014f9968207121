// internal/app/features/hovertracking/routes.go
package hovertracking

import (
	"github.com/dalemusser/conspiracypass/internal/app/features/progress"
	"github.com/go-chi/chi/v5"
)

// Routes returns a subrouter mounted at /hover-tracking.
func Routes(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(progress.CORS())
	r.Post("/", h.ServeCreate)
	r.Get("/", h.ServeList)
	r.Get("/summary", h.ServeSummary)
	r.Patch("/{id}/visualization", h.ServeVisualization)
	r.Options("/*", preflight)
	r.Options("/", preflight)
	return r
}
