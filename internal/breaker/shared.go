package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sungwon/push-worker/internal/metrics"
)

// Shared is a circuit breaker whose phase lives in a StateStore shared by
// every worker process.
type Shared struct {
	name     string
	store    StateStore
	settings Settings
	logger   zerolog.Logger
	now      func() time.Time
}

// NewShared creates a Shared breaker for the dependency name.
func NewShared(name string, store StateStore, settings Settings, logger zerolog.Logger) *Shared {
	return &Shared{
		name:     name,
		store:    store,
		settings: settings.withDefaults(),
		logger:   logger.With().Str("component", "breaker").Str("breaker", name).Logger(),
		now:      time.Now,
	}
}

// Name implements Breaker.
func (b *Shared) Name() string { return b.name }

// Execute implements Breaker. Store failures while acquiring return
// ErrStoreUnavailable without calling fn. Store failures while recording are
// logged and counted; fn's own result is returned.
func (b *Shared) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	permit, err := b.store.Acquire(ctx, b.name, b.now(), b.settings.ResetTimeout, b.settings.TrialLease)
	if err != nil {
		metrics.BreakerStoreErrorsTotal.WithLabelValues(b.name, "acquire").Inc()
		return fmt.Errorf("breaker %s: %w: %w", b.name, ErrStoreUnavailable, err)
	}
	b.observe(permit.From, permit.To)

	if !permit.Allowed {
		metrics.BreakerRejectionsTotal.WithLabelValues(b.name).Inc()
		return fmt.Errorf("breaker %s: %w", b.name, ErrOpen)
	}

	callCtx := ctx
	if permit.To == StateHalfOpen {
		// Past the lease another worker may be granted a trial.
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.settings.TrialLease)
		defer cancel()
	}

	callErr := fn(callCtx)
	if callErr != nil && callerCancelled(ctx, callErr) {
		return callErr
	}

	// The caller's context may be near its deadline; the outcome still has
	// to land.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	tr, err := b.store.Record(recordCtx, b.name, permit.Generation, callErr == nil, b.settings.FailureThreshold, b.now())
	if err != nil {
		metrics.BreakerStoreErrorsTotal.WithLabelValues(b.name, "record").Inc()
		b.logger.Warn().Err(err).Bool("success", callErr == nil).Msg("failed to record breaker outcome")
		return callErr
	}
	b.observe(tr.From, tr.To)

	return callErr
}

// Snapshot implements Inspector.
func (b *Shared) Snapshot(ctx context.Context) (Snapshot, error) {
	snap, err := b.store.Load(ctx, b.name)
	if err != nil {
		return Snapshot{}, fmt.Errorf("breaker %s: %w: %w", b.name, ErrStoreUnavailable, err)
	}
	return snap, nil
}

func (b *Shared) observe(from, to State) {
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(to))
	if from == to {
		return
	}
	metrics.BreakerTransitionsTotal.WithLabelValues(b.name, from.String(), to.String()).Inc()
	b.logger.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state changed")
}
