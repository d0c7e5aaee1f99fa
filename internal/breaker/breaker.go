// Package breaker guards calls to unreliable downstream services with a
// per-dependency circuit breaker.
//
// The Shared breaker keeps its phase in an external StateStore so every
// worker process observes one circuit per dependency name. The Local breaker
// wraps sony/gobreaker for single-process deployments.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// State is the breaker phase.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

var (
	// ErrOpen is returned when a call is short-circuited without invoking the
	// dependency, either because the breaker is open or because a half-open
	// trial is already in flight.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrStoreUnavailable is returned when the shared state could not be read
	// before the call. The dependency was not invoked.
	ErrStoreUnavailable = errors.New("circuit breaker state store unavailable")
)

// Breaker runs calls to one named dependency.
type Breaker interface {
	Name() string
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// Inspector is implemented by breakers that can report their current state.
type Inspector interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Failures   uint32    `json:"consecutive_failures"`
	OpenedAt   time.Time `json:"opened_at,omitzero"`
	Generation int64     `json:"generation"`
}

// Settings are the trip and recovery parameters shared by both backends.
type Settings struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	// TrialLease is how long a granted half-open trial holds the circuit.
	// A Shared breaker cancels its trial call when the lease runs out and
	// grants a new trial only once the previous lease has expired, so it
	// must be longer than any guarded call.
	TrialLease time.Duration `mapstructure:"trial_lease"`
}

// DefaultSettings returns the default trip parameters.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		TrialLease:       time.Minute,
	}
}

// EffectiveTrialLease returns the trial lease after defaults are applied.
func (s Settings) EffectiveTrialLease() time.Duration {
	return s.withDefaults().TrialLease
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.FailureThreshold == 0 {
		s.FailureThreshold = def.FailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = def.ResetTimeout
	}
	if s.TrialLease <= 0 {
		s.TrialLease = max(def.TrialLease, s.ResetTimeout)
	}
	return s
}

// Call runs fn through b and returns its value.
func Call[T any](ctx context.Context, b Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// callerCancelled reports whether err comes from the caller giving up rather
// than from the dependency failing.
func callerCancelled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) && ctx.Err() != nil
}
