// Package deadletter publishes failed notifications to the dead-letter
// destination.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/push-worker/internal/message"
	"github.com/sungwon/push-worker/internal/metrics"
)

// Publisher writes a dead-letter record to the broker.
type Publisher interface {
	PublishDeadLetter(ctx context.Context, msg *message.DLQMessage) error
}

// Router builds dead-letter records and publishes them once.
type Router struct {
	pub Publisher
	log zerolog.Logger
	now func() time.Time
}

// NewRouter creates a Router over pub.
func NewRouter(pub Publisher, log zerolog.Logger) *Router {
	return &Router{
		pub: pub,
		log: log.With().Str("component", "deadletter").Logger(),
		now: time.Now,
	}
}

// Route publishes msg with reason. A publish failure is logged and counted
// but not retried; the error is returned for the caller's information only.
func (r *Router) Route(ctx context.Context, msg *message.Notification, reason string) error {
	dlq := message.NewDLQMessage(msg, reason, r.now())

	if err := r.pub.PublishDeadLetter(ctx, dlq); err != nil {
		metrics.DeadLetterFailuresTotal.Inc()
		r.log.Error().Err(err).
			Str("trace_id", msg.TraceID).
			Str("idempotency_key", msg.IdempotencyKey).
			Str("failure_reason", reason).
			Msg("failed to publish dead letter")
		return fmt.Errorf("publish dead letter %s: %w", msg.IdempotencyKey, err)
	}

	metrics.DeadLetteredTotal.Inc()
	r.log.Warn().
		Str("trace_id", msg.TraceID).
		Str("idempotency_key", msg.IdempotencyKey).
		Str("failure_reason", reason).
		Msg("notification dead-lettered")
	return nil
}
