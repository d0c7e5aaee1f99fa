package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/sungwon/push-worker/internal/message"
)

// maxSQSBatch is the SQS limit for messages per ReceiveMessage call.
const maxSQSBatch = 10

// SQSBroker consumes an SQS queue and sends dead letters to a second queue.
// Delivery tags are receipt handles.
type SQSBroker struct {
	client     sqsAPI
	queueURL   string
	dlqURL     string
	waitTime   int32
	visTimeout int32
	log        zerolog.Logger
}

// NewSQSBroker creates an SQSBroker from cfg.
func NewSQSBroker(client sqsAPI, cfg Config, log zerolog.Logger) (*SQSBroker, error) {
	if cfg.SQSQueueURL == "" {
		return nil, errors.New("sqs queue url is required")
	}
	if cfg.SQSDLQueueURL == "" {
		return nil, errors.New("sqs dlq url is required")
	}

	waitTime := cfg.SQSWaitTime
	if waitTime <= 0 {
		waitTime = 20
	}
	visTimeout := cfg.SQSVisTimeout
	if visTimeout <= 0 {
		visTimeout = 30
	}

	return &SQSBroker{
		client:     client,
		queueURL:   cfg.SQSQueueURL,
		dlqURL:     cfg.SQSDLQueueURL,
		waitTime:   waitTime,
		visTimeout: visTimeout,
		log:        log.With().Str("component", "sqs_broker").Logger(),
	}, nil
}

// Next long-polls the queue until a message arrives.
func (b *SQSBroker) Next(ctx context.Context) (*Delivery, error) {
	for {
		if ctx.Err() != nil {
			return nil, ErrClosed
		}

		msgs, err := b.client.ReceiveMessages(ctx, sqsReceiveInput{
			QueueURL:    b.queueURL,
			MaxMessages: 1,
			WaitSeconds: b.waitTime,
			Visibility:  b.visTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("sqs receive: %w", err)
		}
		if len(msgs) == 0 {
			continue
		}

		return &Delivery{Tag: msgs[0].ReceiptHandle, Body: []byte(msgs[0].Body)}, nil
	}
}

// Ack deletes the message.
func (b *SQSBroker) Ack(ctx context.Context, tag string) error {
	if err := b.client.DeleteMessage(ctx, b.queueURL, tag); err != nil {
		return fmt.Errorf("sqs delete message: %w", err)
	}
	return nil
}

// Reject deletes the message, or makes it visible again immediately when
// requeue is true.
func (b *SQSBroker) Reject(ctx context.Context, tag string, requeue bool) error {
	if !requeue {
		return b.Ack(ctx, tag)
	}
	if err := b.client.ChangeVisibility(ctx, b.queueURL, tag, 0); err != nil {
		return fmt.Errorf("sqs change visibility: %w", err)
	}
	return nil
}

// Enqueue sends payload to the primary queue and returns the SQS message ID.
func (b *SQSBroker) Enqueue(ctx context.Context, payload []byte) (string, error) {
	id, err := b.client.SendMessage(ctx, b.queueURL, string(payload))
	if err != nil {
		return "", fmt.Errorf("sqs send message: %w", err)
	}
	return id, nil
}

// PublishDeadLetter sends msg to the dead-letter queue.
func (b *SQSBroker) PublishDeadLetter(ctx context.Context, msg *message.DLQMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dlq message: %w", err)
	}
	if _, err := b.client.SendMessage(ctx, b.dlqURL, string(data)); err != nil {
		return fmt.Errorf("sqs send to dlq: %w", err)
	}
	return nil
}

// List peeks at up to limit dead letters (at most one receive batch). Each
// received message is released right away so a later Reprocess can see it;
// IDs are SQS message IDs.
func (b *SQSBroker) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	msgs, err := b.client.ReceiveMessages(ctx, sqsReceiveInput{
		QueueURL:    b.dlqURL,
		MaxMessages: batchSize(limit),
		Visibility:  b.visTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive from dlq: %w", err)
	}

	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, decodeDeadLetter(m.MessageID, m.Body))
		// A zero visibility on receive is not sent, so the queue default
		// would otherwise hide the message.
		b.release(ctx, m)
	}
	return out, nil
}

// Reprocess receives one batch from the dead-letter queue and moves the
// messages whose IDs are listed back to the primary queue. Other received
// messages are released immediately. SQS cannot address messages by ID, so
// IDs not present in the batch are left for a later call.
func (b *SQSBroker) Reprocess(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	msgs, err := b.client.ReceiveMessages(ctx, sqsReceiveInput{
		QueueURL:    b.dlqURL,
		MaxMessages: maxSQSBatch,
		Visibility:  b.visTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive from dlq: %w", err)
	}

	reprocessed := 0
	for _, m := range msgs {
		if !slices.Contains(ids, m.MessageID) {
			b.release(ctx, m)
			continue
		}

		payload, err := originalPayload([]byte(m.Body))
		if err != nil {
			b.log.Warn().Err(err).Str("dlq_id", m.MessageID).Msg("skipping malformed dead letter")
			b.release(ctx, m)
			continue
		}

		if _, err := b.Enqueue(ctx, payload); err != nil {
			return reprocessed, fmt.Errorf("re-enqueue dead letter %s: %w", m.MessageID, err)
		}
		if err := b.client.DeleteMessage(ctx, b.dlqURL, m.ReceiptHandle); err != nil {
			return reprocessed, fmt.Errorf("delete dlq message %s: %w", m.MessageID, err)
		}

		reprocessed++
	}

	return reprocessed, nil
}

func (b *SQSBroker) release(ctx context.Context, m sqsMessage) {
	if err := b.client.ChangeVisibility(ctx, b.dlqURL, m.ReceiptHandle, 0); err != nil {
		b.log.Warn().Err(err).Str("dlq_id", m.MessageID).Msg("failed to release dead letter")
	}
}

// Ping reads the primary queue's attributes.
func (b *SQSBroker) Ping(ctx context.Context) error {
	if _, err := b.client.QueueDepth(ctx, b.queueURL); err != nil {
		return fmt.Errorf("sqs get queue attributes: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (b *SQSBroker) Close() error {
	return nil
}

func batchSize(limit int) int32 {
	if limit <= 0 || limit > maxSQSBatch {
		return maxSQSBatch
	}
	return int32(limit)
}
