package queue

import (
	"context"
	"errors"

	"github.com/sungwon/push-worker/internal/message"
)

// ErrClosed is returned by Consumer.Next once the consumer has stopped,
// either because the broker closed or because the context was cancelled.
var ErrClosed = errors.New("queue: consumer closed")

// Delivery is one received broker message. Tag identifies it for the single
// Ack or Reject that must follow.
type Delivery struct {
	Tag  string
	Body []byte
}

// Consumer receives deliveries one at a time.
type Consumer interface {
	Next(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, tag string) error
	// Reject drops the delivery, or hands it back to the broker for
	// redelivery when requeue is true.
	Reject(ctx context.Context, tag string, requeue bool) error
}

// Publisher writes dead-letter records.
type Publisher interface {
	PublishDeadLetter(ctx context.Context, msg *message.DLQMessage) error
}

// Enqueuer publishes raw notification payloads to the primary queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte) (string, error)
}

// DeadLetter is one record in the dead-letter destination. Raw holds the
// stored body when it could not be decoded.
type DeadLetter struct {
	ID      string              `json:"id"`
	Message *message.DLQMessage `json:"message,omitempty"`
	Raw     string              `json:"raw,omitempty"`
}

// DeadLetterQueue manages failed messages for operators.
type DeadLetterQueue interface {
	List(ctx context.Context, limit int) ([]DeadLetter, error)
	// Reprocess re-enqueues the original notifications of the given records
	// and removes them from the dead-letter destination. It returns how
	// many records were moved.
	Reprocess(ctx context.Context, ids []string) (int, error)
}

// Broker is a complete queue backend.
type Broker interface {
	Consumer
	Publisher
	Enqueuer
	DeadLetterQueue
	Ping(ctx context.Context) error
	Close() error
}
