package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger is a dependency the worker needs to be ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessCheck names a dependency for /readyz.
type ReadinessCheck struct {
	Name   string
	Pinger Pinger
}

const readinessTimeout = 2 * time.Second

// HealthzHandler handles GET /healthz.
// Always returns 200 OK with {"status":"ok"}.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler handles GET /readyz.
// Pings every check; returns 200 when all succeed, otherwise 503 with a
// Retry-After header and the failing checks.
func ReadyzHandler(checks []ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		failed := map[string]string{}
		for _, c := range checks {
			if err := c.Pinger.Ping(ctx); err != nil {
				failed[c.Name] = err.Error()
			}
		}

		if len(failed) > 0 {
			w.Header().Set("Retry-After", "30")
			respondJSON(w, r, http.StatusServiceUnavailable, map[string]any{
				"status": "unavailable",
				"failed": failed,
			})
			return
		}
		respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}
