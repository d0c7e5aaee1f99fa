// Package pipeline runs a parsed notification through the idempotency gate,
// template rendering and push delivery, and reduces every error to an
// Outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sungwon/push-worker/internal/breaker"
	"github.com/sungwon/push-worker/internal/downstream"
	"github.com/sungwon/push-worker/internal/idempotency"
	"github.com/sungwon/push-worker/internal/logger"
	"github.com/sungwon/push-worker/internal/message"
	"github.com/sungwon/push-worker/internal/metrics"
)

// Gate is the subset of idempotency.Gate used by the orchestrator.
type Gate interface {
	CheckAndClaim(ctx context.Context, key string) (idempotency.ClaimResult, error)
	CommitSent(ctx context.Context, key string) error
}

// Orchestrator runs the per-message pipeline. It is safe for concurrent use.
type Orchestrator struct {
	gate          Gate
	renderer      downstream.TemplateRenderer
	sender        downstream.PushSender
	templateGuard breaker.Breaker
	pushGuard     breaker.Breaker
	log           zerolog.Logger
}

// NewOrchestrator creates an Orchestrator. Template and push calls go
// through the breakers named breaker.Template and breaker.Push.
func NewOrchestrator(
	gate Gate,
	renderer downstream.TemplateRenderer,
	sender downstream.PushSender,
	breakers *breaker.Registry,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		gate:          gate,
		renderer:      renderer,
		sender:        sender,
		templateGuard: breakers.MustGet(breaker.Template),
		pushGuard:     breakers.MustGet(breaker.Push),
		log:           log.With().Str("component", "pipeline").Logger(),
	}
}

// Run processes msg. It never returns an error; every failure is an Outcome.
func (o *Orchestrator) Run(ctx context.Context, msg *message.Notification) Outcome {
	ctx = logger.WithCorrelationID(logger.WithLogger(ctx, o.log), msg.TraceID)
	log := logger.FromContext(ctx).With().
		Str("idempotency_key", msg.IdempotencyKey).
		Str("template_code", msg.TemplateCode).
		Logger()

	out := o.run(ctx, log, msg)
	metrics.OutcomesTotal.WithLabelValues(out.Label()).Inc()
	return out
}

func (o *Orchestrator) run(ctx context.Context, log zerolog.Logger, msg *message.Notification) Outcome {
	claim, err := o.gate.CheckAndClaim(ctx, msg.IdempotencyKey)
	if err != nil {
		metrics.IdempotencyResultsTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("idempotency claim failed")
		return TransientInfraFailure{Reason: fmt.Sprintf("idempotency claim: %v", err)}
	}
	metrics.IdempotencyResultsTotal.WithLabelValues(claim.String()).Inc()
	if claim != idempotency.Claimed {
		log.Info().Stringer("result", claim).Msg("duplicate notification skipped")
		return SkippedDuplicate{Result: claim}
	}

	rendered, err := breaker.Call(ctx, o.templateGuard, func(ctx context.Context) (*downstream.Rendered, error) {
		return o.renderer.Render(ctx, msg.TemplateCode, msg.Params)
	})
	if err != nil {
		return o.downstreamFailure(log, "template render", err)
	}

	conf, err := breaker.Call(ctx, o.pushGuard, func(ctx context.Context) (*downstream.Confirmation, error) {
		return o.sender.Send(ctx, msg.Recipient, rendered)
	})
	if err != nil {
		return o.downstreamFailure(log, "push send", err)
	}

	if err := o.gate.CommitSent(ctx, msg.IdempotencyKey); err != nil {
		metrics.CommitFailuresTotal.Inc()
		log.Error().Err(err).Msg("failed to mark notification sent")
	}

	log.Info().Str("message_id", conf.MessageID).Msg("notification sent")
	return Success{}
}

func (o *Orchestrator) downstreamFailure(log zerolog.Logger, step string, err error) Outcome {
	if errors.Is(err, breaker.ErrStoreUnavailable) {
		log.Warn().Err(err).Str("step", step).Msg("breaker state store unavailable")
		return TransientInfraFailure{Reason: fmt.Sprintf("%s: %v", step, err), Claimed: true}
	}

	evt := log.Warn().Err(err).Str("step", step)
	if errors.Is(err, breaker.ErrOpen) {
		evt = evt.Bool("short_circuited", true)
	}
	var de *downstream.Error
	if errors.As(err, &de) {
		evt = evt.Int("status_code", de.StatusCode).Bool("permanent", de.Permanent)
	}
	evt.Msg("downstream call failed")

	return PermanentFailure{Reason: fmt.Sprintf("%s: %v", step, err)}
}
