package breaker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"github.com/sungwon/push-worker/internal/metrics"
)

// Local is an in-process circuit breaker backed by gobreaker. Its state is
// not shared between processes.
type Local struct {
	name string
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewLocal creates a Local breaker for the dependency name.
func NewLocal(name string, settings Settings, logger zerolog.Logger) *Local {
	settings = settings.withDefaults()
	log := logger.With().Str("component", "breaker").Str("breaker", name).Logger()

	threshold := settings.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			metrics.BreakerTransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
			log.Info().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))

	return &Local{name: name, cb: cb}
}

// Name implements Breaker.
func (b *Local) Name() string { return b.name }

// Execute implements Breaker.
func (b *Local) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.BreakerRejectionsTotal.WithLabelValues(b.name).Inc()
		return fmt.Errorf("breaker %s: %w", b.name, ErrOpen)
	}
	return err
}

// Snapshot implements Inspector.
func (b *Local) Snapshot(context.Context) (Snapshot, error) {
	return Snapshot{
		Name:     b.name,
		State:    b.cb.State().String(),
		Failures: b.cb.Counts().ConsecutiveFailures,
	}, nil
}
