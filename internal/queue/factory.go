package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Producer is the publishing side of a backend, used by tools that enqueue
// notifications or inspect dead letters without consuming.
type Producer interface {
	Enqueuer
	DeadLetterQueue
	Close() error
}

// NewBroker creates the backend selected by cfg.Type. client is required for
// the redis backend and ignored otherwise; prefetch bounds unacknowledged
// AMQP deliveries and should match the worker concurrency.
func NewBroker(
	ctx context.Context,
	cfg Config,
	client redis.UniversalClient,
	prefetch int,
	log zerolog.Logger,
) (Broker, error) {
	if cfg.Type == "amqp" {
		b, err := NewAMQPBroker(cfg, prefetch, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return newPollingBroker(ctx, cfg, client, log)
}

// NewProducer creates the backend selected by cfg.Type without registering
// a consumer on the primary queue.
func NewProducer(ctx context.Context, cfg Config, client redis.UniversalClient, log zerolog.Logger) (Producer, error) {
	if cfg.Type == "amqp" {
		b, err := dialAMQP(cfg, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return newPollingBroker(ctx, cfg, client, log)
}

// newPollingBroker builds the backends that only receive when asked to.
func newPollingBroker(ctx context.Context, cfg Config, client redis.UniversalClient, log zerolog.Logger) (Broker, error) {
	switch cfg.Type {
	case "redis", "":
		if client == nil {
			return nil, errors.New("redis queue requires a redis client")
		}
		b, err := NewRedisBroker(ctx, client, cfg, log)
		if err != nil {
			return nil, err
		}
		return b, nil

	case "sqs":
		sqsClient, err := newAWSSQSClient(ctx, cfg.SQSRegion)
		if err != nil {
			return nil, fmt.Errorf("create sqs client: %w", err)
		}
		b, err := NewSQSBroker(sqsClient, cfg, log)
		if err != nil {
			return nil, err
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unknown queue type: %s", cfg.Type)
	}
}
