package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and
// middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	if s.cfg.Server.RateLimit.Enabled {
		r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Gating verdicts.
		r.Get("/gate/{workflow}/{branch}/{build}", s.handleGate)

		// Build-load management.
		r.Route("/loads", func(r chi.Router) {
			r.Post("/", s.handleSubmitLoad)
			r.Get("/", s.handleListLoads)
			r.Get("/unfinished", s.handleListUnfinishedLoads)
			r.Get("/{id}", s.handleGetLoad)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler honoring the configured
// origins; with none configured all origins are allowed.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	origins := s.cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodHead,
		},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})
}
