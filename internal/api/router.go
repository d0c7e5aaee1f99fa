// Package api serves the worker's admin HTTP surface: health checks,
// Prometheus metrics, dead-letter inspection and breaker state.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sungwon/push-worker/internal/auth"
	"github.com/sungwon/push-worker/internal/metrics"
	"github.com/sungwon/push-worker/internal/queue"
)

// Deps are the collaborators the admin routes read from.
type Deps struct {
	DLQ      queue.DeadLetterQueue
	Breakers BreakerSource
	Checks   []ReadinessCheck
	// AdminKeyHash is the bcrypt hash of the admin key. When empty the
	// /api/v1 routes are not registered.
	AdminKeyHash string
}

// NewRouter creates a chi.Mux with all routes, middleware, and handlers configured.
func NewRouter(deps Deps, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(CorrelationIDMiddleware(log))
	r.Use(LoggingMiddleware(log))
	r.Use(RecoverMiddleware(log))

	// Health checks and metrics (no auth required)
	r.Get("/healthz", HealthzHandler())
	r.Get("/readyz", ReadyzHandler(deps.Checks))
	r.Handle("/metrics", promhttp.Handler())

	if deps.AdminKeyHash == "" {
		log.Warn().Msg("admin api key hash not set, /api/v1 routes disabled")
		return r
	}

	verifier := auth.NewAdminKeyVerifier(deps.AdminKeyHash)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.AdminAuth(verifier, metrics.APIAuthFailuresTotal.Inc))

		if deps.DLQ != nil {
			r.Get("/dlq", DLQListHandler(deps.DLQ))
			r.Post("/dlq/reprocess", DLQReprocessHandler(deps.DLQ))
		}
		if deps.Breakers != nil {
			r.Get("/breakers", BreakersHandler(deps.Breakers))
		}
	})

	return r
}
