package api

import (
	"context"
	"net/http"

	"github.com/sungwon/push-worker/internal/breaker"
	"github.com/sungwon/push-worker/internal/logger"
)

// BreakerSource reports the state of every circuit breaker.
type BreakerSource interface {
	Snapshots(ctx context.Context) ([]breaker.Snapshot, error)
}

// BreakersHandler handles GET /api/v1/breakers.
func BreakersHandler(src BreakerSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps, err := src.Snapshots(r.Context())
		if err != nil {
			log := logger.FromContext(r.Context())
			log.Error().Err(err).Msg("breaker snapshot failed")
			respondError(w, r, http.StatusServiceUnavailable, "breaker state unavailable")
			return
		}
		respondJSON(w, r, http.StatusOK, map[string]any{"breakers": snaps})
	}
}
