package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/CreditForge/internal/middleware"
)

// NewRouter builds the status API router. mw wraps every route, outermost
// first (tracing, typically).
func NewRouter(h *Handlers, mw ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(mw...)
	r.Use(middleware.RequestID, Logger, Recoverer)
	MountRoutes(r, h)
	return r
}

// MountRoutes registers all status API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": h.Version})
		})

		r.Get("/status", h.Status)
		r.Get("/metrics", h.Metrics)
		r.Post("/costs_per_hour", h.CostsPerHour)
		r.Post("/config/reload", h.ReloadConfig)

		r.Get("/projects", h.ListProjects)
		r.Get("/projects/{id}/credits", h.ProjectCredits)
		r.Get("/projects/{id}/history", h.ProjectHistory)
	})
}
