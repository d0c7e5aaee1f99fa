package worker

import (
	"context"
	"fmt"

	"github.com/sungwon/push-worker/internal/message"
	"github.com/sungwon/push-worker/internal/metrics"
	"github.com/sungwon/push-worker/internal/pipeline"
	"github.com/sungwon/push-worker/internal/queue"
)

// action is the terminal broker action for a delivery.
type action int

const (
	actionAck action = iota
	actionRequeue
	actionReject
	actionDeadLetter
)

func (a action) String() string {
	switch a {
	case actionAck:
		return "ack"
	case actionRequeue:
		return "requeue"
	case actionReject:
		return "reject"
	case actionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// decision is what process concluded about a delivery.
type decision struct {
	action action
	msg    *message.Notification
	reason string
}

// process parses the delivery and runs it through the pipeline. A panic is
// recovered and turned into a dead-letter decision.
func (l *Loop) process(ctx context.Context, d *queue.Delivery) (dec decision) {
	var msg *message.Notification

	defer func() {
		if r := recover(); r != nil {
			l.log.Error().
				Str("delivery_tag", d.Tag).
				Interface("panic", r).
				Msg("recovered panic while processing delivery")
			dec = decision{action: actionDeadLetter, msg: msg, reason: fmt.Sprintf("panic: %v", r)}
			if msg == nil {
				dec.action = actionReject
			}
		}
	}()

	msg, err := message.Parse(d.Body)
	if err != nil {
		l.log.Warn().Str("delivery_tag", d.Tag).Err(err).Msg("dropping unparseable delivery")
		return decision{action: actionReject}
	}

	switch out := l.proc.Run(ctx, msg).(type) {
	case pipeline.Success, pipeline.SkippedDuplicate:
		return decision{action: actionAck, msg: msg}
	case pipeline.TransientInfraFailure:
		if !out.Claimed {
			return decision{action: actionRequeue, msg: msg}
		}
		return decision{action: actionDeadLetter, msg: msg, reason: out.Reason}
	case pipeline.PermanentFailure:
		return decision{action: actionDeadLetter, msg: msg, reason: out.Reason}
	default:
		return decision{action: actionDeadLetter, msg: msg, reason: fmt.Sprintf("unexpected outcome %T", out)}
	}
}

// finalize performs the single broker action for the delivery. Dead letters
// are routed first and the delivery is then rejected without requeue
// whether or not routing succeeded. Broker failures are logged and counted,
// never retried.
func (l *Loop) finalize(ctx context.Context, d *queue.Delivery, dec decision) {
	log := l.log.With().Str("delivery_tag", d.Tag).Stringer("action", dec.action).Logger()
	if dec.msg != nil {
		log = log.With().Str("trace_id", dec.msg.TraceID).Logger()
	}

	if dec.action == actionDeadLetter && dec.msg != nil {
		// The router logs and counts its own failures.
		_ = l.dlq.Route(ctx, dec.msg, dec.reason)
	}

	var (
		err    error
		broker string
	)
	switch dec.action {
	case actionAck:
		broker = "ack"
		err = l.consumer.Ack(ctx, d.Tag)
	case actionRequeue:
		broker = "reject"
		err = l.consumer.Reject(ctx, d.Tag, true)
	default:
		broker = "reject"
		err = l.consumer.Reject(ctx, d.Tag, false)
	}

	metrics.DeliveriesFinalizedTotal.WithLabelValues(dec.action.String()).Inc()
	if err != nil {
		metrics.BrokerActionErrorsTotal.WithLabelValues(broker).Inc()
		log.Error().Err(err).Msg("broker action failed")
		return
	}
	log.Debug().Msg("delivery finalized")
}
