package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/sungwon/push-worker/internal/message"
)

// RabbitMQ topology shared with the producers.
const (
	ExchangeName     = "notifications.direct"
	PushQueue        = "push.queue"
	PushRoutingKey   = "push"
	DLXExchangeName  = "dlx.exchange"
	FailedQueue      = "failed.queue"
	FailedRoutingKey = "failed"
)

// AMQPBroker consumes push.queue over a single channel. Ack, Reject and
// publish share that channel and are serialized by mu.
type AMQPBroker struct {
	conn       *amqp.Connection
	mu         sync.Mutex
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	log        zerolog.Logger
}

// NewAMQPBroker dials cfg.AMQPURL, declares the topology and starts
// consuming with prefetch deliveries outstanding at most.
func NewAMQPBroker(cfg Config, prefetch int, log zerolog.Logger) (*AMQPBroker, error) {
	b, err := dialAMQP(cfg, log)
	if err != nil {
		return nil, err
	}

	if prefetch <= 0 {
		prefetch = cfg.Prefetch
	}
	if err := b.ch.Qos(prefetch, 0, false); err != nil {
		b.conn.Close()
		return nil, fmt.Errorf("set amqp prefetch: %w", err)
	}

	b.deliveries, err = b.ch.Consume(PushQueue, "", false, false, false, false, nil)
	if err != nil {
		b.conn.Close()
		return nil, fmt.Errorf("consume %s: %w", PushQueue, err)
	}
	return b, nil
}

// dialAMQP connects and declares the topology without consuming. A broker
// returned from here is only good for publishing and dead-letter access.
func dialAMQP(cfg Config, log zerolog.Logger) (*AMQPBroker, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		conn.Close()
		return nil, err
	}

	return &AMQPBroker{
		conn: conn,
		ch:   ch,
		log:  log.With().Str("component", "amqp_broker").Logger(),
	}, nil
}

func declareTopology(ch *amqp.Channel) error {
	for _, ex := range []string{ExchangeName, DLXExchangeName} {
		if err := ch.ExchangeDeclare(ex, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex, err)
		}
	}

	bindings := []struct{ queue, key, exchange string }{
		{PushQueue, PushRoutingKey, ExchangeName},
		{FailedQueue, FailedRoutingKey, DLXExchangeName},
	}
	for _, b := range bindings {
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", b.queue, err)
		}
	}
	return nil
}

// Next returns the next delivery from push.queue.
func (b *AMQPBroker) Next(ctx context.Context) (*Delivery, error) {
	if b.deliveries == nil {
		return nil, ErrClosed
	}
	select {
	case <-ctx.Done():
		return nil, ErrClosed
	case d, ok := <-b.deliveries:
		if !ok {
			return nil, ErrClosed
		}
		return &Delivery{Tag: strconv.FormatUint(d.DeliveryTag, 10), Body: d.Body}, nil
	}
}

// Ack acknowledges the delivery.
func (b *AMQPBroker) Ack(_ context.Context, tag string) error {
	dt, err := strconv.ParseUint(tag, 10, 64)
	if err != nil {
		return fmt.Errorf("parse delivery tag %q: %w", tag, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ch.Ack(dt, false); err != nil {
		return fmt.Errorf("amqp ack %d: %w", dt, err)
	}
	return nil
}

// Reject rejects the delivery, requeueing it on the broker when requeue is
// true.
func (b *AMQPBroker) Reject(_ context.Context, tag string, requeue bool) error {
	dt, err := strconv.ParseUint(tag, 10, 64)
	if err != nil {
		return fmt.Errorf("parse delivery tag %q: %w", tag, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ch.Reject(dt, requeue); err != nil {
		return fmt.Errorf("amqp reject %d: %w", dt, err)
	}
	return nil
}

func (b *AMQPBroker) publish(ctx context.Context, exchange, key string, body []byte) (string, error) {
	id := uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("amqp publish to %s/%s: %w", exchange, key, err)
	}
	return id, nil
}

// Enqueue publishes payload to the push routing key.
func (b *AMQPBroker) Enqueue(ctx context.Context, payload []byte) (string, error) {
	return b.publish(ctx, ExchangeName, PushRoutingKey, payload)
}

// PublishDeadLetter publishes msg to the dead-letter exchange.
func (b *AMQPBroker) PublishDeadLetter(ctx context.Context, msg *message.DLQMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dlq message: %w", err)
	}
	_, err = b.publish(ctx, DLXExchangeName, FailedRoutingKey, data)
	return err
}

// List peeks at up to limit dead letters. The messages are fetched on a
// short-lived channel and returned to failed.queue when it closes.
func (b *AMQPBroker) List(_ context.Context, limit int) ([]DeadLetter, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()

	var out []DeadLetter
	for limit <= 0 || len(out) < limit {
		d, ok, err := ch.Get(FailedQueue, false)
		if err != nil {
			return nil, fmt.Errorf("amqp get %s: %w", FailedQueue, err)
		}
		if !ok {
			break
		}
		out = append(out, decodeDeadLetter(d.MessageId, string(d.Body)))
	}
	return out, nil
}

// Reprocess walks failed.queue once, re-publishing the original notification
// of every listed dead letter and acknowledging it. Unlisted messages are
// returned to the queue when the walk's channel closes.
func (b *AMQPBroker) Reprocess(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(FailedQueue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect %s: %w", FailedQueue, err)
	}

	reprocessed := 0
	for range q.Messages {
		d, ok, err := ch.Get(FailedQueue, false)
		if err != nil {
			return reprocessed, fmt.Errorf("amqp get %s: %w", FailedQueue, err)
		}
		if !ok {
			break
		}
		if !slices.Contains(ids, d.MessageId) {
			continue
		}

		payload, err := originalPayload(d.Body)
		if err != nil {
			b.log.Warn().Err(err).Str("dlq_id", d.MessageId).Msg("skipping malformed dead letter")
			continue
		}
		if _, err := b.Enqueue(ctx, payload); err != nil {
			return reprocessed, fmt.Errorf("re-enqueue dead letter %s: %w", d.MessageId, err)
		}
		if err := d.Ack(false); err != nil {
			return reprocessed, fmt.Errorf("ack dead letter %s: %w", d.MessageId, err)
		}

		reprocessed++
	}

	return reprocessed, nil
}

// Ping reports whether the connection is still open.
func (b *AMQPBroker) Ping(_ context.Context) error {
	if b.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

// Close closes the channel and the connection. Unacknowledged deliveries
// are returned to push.queue by the broker.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		b.log.Warn().Err(err).Msg("failed to close amqp channel")
	}
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close amqp connection: %w", err)
	}
	return nil
}
