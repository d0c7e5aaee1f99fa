// Package idempotency implements the gate that decides whether a
// notification's idempotency key has already been sent, is being processed by
// another worker, or may be claimed by the caller.
//
// All state lives in a shared external Store; every mutation is one atomic
// store operation so that concurrent workers in any number of processes
// cannot both claim the same key.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the stored state of an idempotency key.
type Status string

const (
	// StatusUnclaimed means no value is stored (or it expired).
	StatusUnclaimed Status = ""
	// StatusProcessing means a worker holds the claim.
	StatusProcessing Status = "processing"
	// StatusSent means the notification was delivered.
	StatusSent Status = "sent"
)

// ClaimResult is the outcome of CheckAndClaim.
type ClaimResult int

const (
	// Claimed means the caller now owns the key and must process the message.
	Claimed ClaimResult = iota
	// AlreadyProcessing means another worker holds the claim.
	AlreadyProcessing
	// AlreadySent means the notification was already delivered.
	AlreadySent
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case AlreadyProcessing:
		return "already_processing"
	case AlreadySent:
		return "already_sent"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

var (
	// ErrStoreUnavailable wraps every failure to talk to the backing store.
	ErrStoreUnavailable = errors.New("idempotency store unavailable")
	// ErrNotClaimed is returned by CommitSent when the key no longer holds
	// the processing claim (typically because the claim TTL expired).
	ErrNotClaimed = errors.New("idempotency key not in processing state")
)

// Store is the atomic key-value protocol the gate relies on.
type Store interface {
	// ClaimIfAbsent stores StatusProcessing with ttl when the key has no
	// value and returns StatusUnclaimed; otherwise it leaves the key
	// untouched and returns the stored status.
	ClaimIfAbsent(ctx context.Context, key string, ttl time.Duration) (Status, error)
	// CompareAndSet stores to with ttl only if the current value is from.
	CompareAndSet(ctx context.Context, key string, from, to Status, ttl time.Duration) (bool, error)
	// Ping checks store connectivity.
	Ping(ctx context.Context) error
}

// Config holds the claim and commit lifetimes.
type Config struct {
	ProcessingTTL time.Duration `mapstructure:"processing_ttl"`
	SentTTL       time.Duration `mapstructure:"sent_ttl"`
}

// DefaultConfig returns the default TTLs.
func DefaultConfig() Config {
	return Config{
		ProcessingTTL: 10 * time.Minute,
		SentTTL:       24 * time.Hour,
	}
}

// Gate is the idempotency gate.
type Gate struct {
	store Store
	cfg   Config
}

// NewGate creates a Gate over store. Zero TTLs fall back to DefaultConfig.
func NewGate(store Store, cfg Config) *Gate {
	def := DefaultConfig()
	if cfg.ProcessingTTL <= 0 {
		cfg.ProcessingTTL = def.ProcessingTTL
	}
	if cfg.SentTTL <= 0 {
		cfg.SentTTL = def.SentTTL
	}
	return &Gate{store: store, cfg: cfg}
}

// CheckAndClaim atomically claims key for the caller unless it is already
// processing or sent.
func (g *Gate) CheckAndClaim(ctx context.Context, key string) (ClaimResult, error) {
	prior, err := g.store.ClaimIfAbsent(ctx, key, g.cfg.ProcessingTTL)
	if err != nil {
		return 0, fmt.Errorf("claim %s: %w", key, asUnavailable(err))
	}

	switch prior {
	case StatusUnclaimed:
		return Claimed, nil
	case StatusSent:
		return AlreadySent, nil
	case StatusProcessing:
		return AlreadyProcessing, nil
	default:
		// Foreign value under our key; treat as in flight rather than overwrite it.
		return AlreadyProcessing, nil
	}
}

// CommitSent moves key from processing to sent.
func (g *Gate) CommitSent(ctx context.Context, key string) error {
	ok, err := g.store.CompareAndSet(ctx, key, StatusProcessing, StatusSent, g.cfg.SentTTL)
	if err != nil {
		return fmt.Errorf("commit %s: %w", key, asUnavailable(err))
	}
	if !ok {
		return fmt.Errorf("commit %s: %w", key, ErrNotClaimed)
	}
	return nil
}

// Ping reports whether the backing store is reachable.
func (g *Gate) Ping(ctx context.Context) error {
	if err := g.store.Ping(ctx); err != nil {
		return asUnavailable(err)
	}
	return nil
}

func asUnavailable(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
