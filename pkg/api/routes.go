package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Read endpoints.
		r.Group(func(r chi.Router) {
			if !s.cfg.Auth.AnonymousRead {
				r.Use(s.requireToken)
			}

			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimit(s.cfg.Server.RateLimit.Public))
			}

			r.Get("/status", s.handleStatus)
			r.Get("/check", s.handleCheck)
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Get("/runs/{id}/events", s.handleListEvents)
			r.Get("/runs/{id}/artifacts", s.handleListArtifacts)
		})

		// Trigger endpoints.
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)

			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimit(s.cfg.Server.RateLimit.Trigger))
			}

			r.Post("/run", s.handleTriggerRun)
			r.Post("/runs/{id}/rollback", s.handleTriggerRollback)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
