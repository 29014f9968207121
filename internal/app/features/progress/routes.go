// internal/app/features/progress/routes.go
package progress

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// CORS allows any origin; the game client is served from several hosts.
// Preflights pass through to ServeOptions so they answer 200 with no body.
func CORS() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:     []string{"*"},
		AllowedMethods:     []string{"GET", "PUT", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:     []string{"Content-Type", "Authorization", "X-Requested-With"},
		MaxAge:             600,
		OptionsPassthrough: true,
	})
}

// Routes returns a subrouter mounted at /progress and /api/progress.
func Routes(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(CORS())
	r.Get("/", h.ServeGet)
	r.Put("/", h.ServePut)
	r.Delete("/", h.ServeDelete)
	r.Options("/", h.ServeOptions)
	r.Get("/config", h.ServeConfig)
	r.Options("/config", h.ServeOptions)
	return r
}
