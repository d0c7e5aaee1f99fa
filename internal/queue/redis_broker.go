package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sungwon/push-worker/internal/message"
)

const (
	dataField        = "data"
	defaultListLimit = 100
)

// RedisBroker consumes a Redis stream through a consumer group and keeps
// dead letters in a sibling stream.
type RedisBroker struct {
	client redis.UniversalClient
	cfg    Config
	log    zerolog.Logger

	// cursor walks this consumer's pending entries left over from a previous
	// run before switching to new entries (">").
	mu     sync.Mutex
	cursor string
	// nextClaim is when idle entries of other consumers are next checked.
	nextClaim time.Time
}

// NewRedisBroker creates the consumer group (if it does not already exist)
// and returns a broker reading from cfg.Stream.
func NewRedisBroker(ctx context.Context, client redis.UniversalClient, cfg Config, log zerolog.Logger) (*RedisBroker, error) {
	def := DefaultConfig()
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if cfg.Group == "" {
		cfg.Group = def.Group
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = def.BlockTimeout
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = def.ClaimMinIdle
	}
	if cfg.ConsumerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "push-worker"
		}
		cfg.ConsumerName = host
	}

	b := &RedisBroker{
		client: client,
		cfg:    cfg,
		log:    log.With().Str("component", "redis_broker").Str("stream", cfg.Stream).Logger(),
		cursor: "0",
	}
	if err := b.createConsumerGroup(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *RedisBroker) createConsumerGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on stream %s: %w", b.cfg.Group, b.cfg.Stream, err)
	}
	return nil
}

// Next blocks until an entry is available. Entries still pending for this
// consumer from an earlier run are returned first. After that, entries left
// unacknowledged by other consumers for longer than ClaimMinIdle are claimed
// before new entries are read.
func (b *RedisBroker) Next(ctx context.Context) (*Delivery, error) {
	for {
		if ctx.Err() != nil {
			return nil, ErrClosed
		}

		b.mu.Lock()
		cursor := b.cursor
		b.mu.Unlock()

		if cursor == ">" {
			d, err := b.claimIdle(ctx)
			if err != nil {
				return nil, err
			}
			if d != nil {
				return d, nil
			}
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.ConsumerName,
			Streams:  []string{b.cfg.Stream, cursor},
			Count:    1,
			Block:    b.cfg.BlockTimeout,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("xreadgroup %s: %w", b.cfg.Stream, err)
		}

		var entry *redis.XMessage
		for _, s := range streams {
			if len(s.Messages) > 0 {
				entry = &s.Messages[0]
				break
			}
		}

		if cursor != ">" {
			b.mu.Lock()
			if entry == nil {
				b.cursor = ">"
				b.log.Debug().Msg("pending entries drained")
			} else {
				b.cursor = entry.ID
			}
			b.mu.Unlock()
		}
		if entry == nil {
			continue
		}

		data, _ := entry.Values[dataField].(string)
		return &Delivery{Tag: entry.ID, Body: []byte(data)}, nil
	}
}

// claimIdle takes over one entry that has been pending on another consumer
// for at least ClaimMinIdle, such as one left behind by a worker that was
// replaced under a new consumer name. Empty checks are spaced a block
// timeout apart.
func (b *RedisBroker) claimIdle(ctx context.Context) (*Delivery, error) {
	b.mu.Lock()
	due := !time.Now().Before(b.nextClaim)
	b.mu.Unlock()
	if !due {
		return nil, nil
	}

	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.cfg.Stream,
		Group:    b.cfg.Group,
		Consumer: b.cfg.ConsumerName,
		MinIdle:  b.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("xautoclaim %s: %w", b.cfg.Stream, err)
	}

	if len(msgs) == 0 {
		b.mu.Lock()
		b.nextClaim = time.Now().Add(b.cfg.BlockTimeout)
		b.mu.Unlock()
		return nil, nil
	}

	entry := msgs[0]
	b.log.Info().Str("entry_id", entry.ID).Msg("claimed idle entry from another consumer")
	data, _ := entry.Values[dataField].(string)
	return &Delivery{Tag: entry.ID, Body: []byte(data)}, nil
}

// Ack acknowledges the entry.
func (b *RedisBroker) Ack(ctx context.Context, tag string) error {
	if err := b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, tag).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", tag, err)
	}
	return nil
}

// Reject acknowledges the entry. With requeue the body is first appended
// to the stream again so another consumer picks it up.
func (b *RedisBroker) Reject(ctx context.Context, tag string, requeue bool) error {
	if !requeue {
		return b.Ack(ctx, tag)
	}

	entries, err := b.client.XRange(ctx, b.cfg.Stream, tag, tag).Result()
	if err != nil {
		return fmt.Errorf("xrange %s: %w", tag, err)
	}
	if len(entries) == 0 {
		return b.Ack(ctx, tag)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, b.addArgs(b.cfg.Stream, entries[0].Values[dataField]))
		pipe.XAck(ctx, b.cfg.Stream, b.cfg.Group, tag)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue %s: %w", tag, err)
	}
	return nil
}

// Enqueue appends payload to the primary stream and returns the entry ID.
func (b *RedisBroker) Enqueue(ctx context.Context, payload []byte) (string, error) {
	id, err := b.client.XAdd(ctx, b.addArgs(b.cfg.Stream, string(payload))).Result()
	if err != nil {
		return "", fmt.Errorf("xadd to stream %s: %w", b.cfg.Stream, err)
	}
	return id, nil
}

// PublishDeadLetter appends msg to the dead-letter stream.
func (b *RedisBroker) PublishDeadLetter(ctx context.Context, msg *message.DLQMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dlq message: %w", err)
	}
	if err := b.client.XAdd(ctx, b.addArgs(b.cfg.dlqStream(), string(data))).Err(); err != nil {
		return fmt.Errorf("xadd to dlq stream %s: %w", b.cfg.dlqStream(), err)
	}
	return nil
}

// List returns up to limit dead letters, oldest first.
func (b *RedisBroker) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	entries, err := b.client.XRangeN(ctx, b.cfg.dlqStream(), "-", "+", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange dlq stream %s: %w", b.cfg.dlqStream(), err)
	}

	out := make([]DeadLetter, 0, len(entries))
	for _, e := range entries {
		data, _ := e.Values[dataField].(string)
		out = append(out, decodeDeadLetter(e.ID, data))
	}
	return out, nil
}

// Reprocess re-enqueues the original notification of each dead letter and
// removes it from the dead-letter stream. Unknown or undecodable IDs are
// skipped.
func (b *RedisBroker) Reprocess(ctx context.Context, ids []string) (int, error) {
	reprocessed := 0

	for _, id := range ids {
		entries, err := b.client.XRange(ctx, b.cfg.dlqStream(), id, id).Result()
		if err != nil {
			return reprocessed, fmt.Errorf("xrange dlq message %s: %w", id, err)
		}
		if len(entries) == 0 {
			continue
		}

		data, _ := entries[0].Values[dataField].(string)
		payload, err := originalPayload([]byte(data))
		if err != nil {
			b.log.Warn().Err(err).Str("dlq_id", id).Msg("skipping malformed dead letter")
			continue
		}

		if _, err := b.Enqueue(ctx, payload); err != nil {
			return reprocessed, fmt.Errorf("re-enqueue dead letter %s: %w", id, err)
		}
		if err := b.client.XDel(ctx, b.cfg.dlqStream(), id).Err(); err != nil {
			return reprocessed, fmt.Errorf("xdel dlq message %s: %w", id, err)
		}

		reprocessed++
	}

	return reprocessed, nil
}

// Ping checks Redis connectivity.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close is a no-op; the Redis client is shared with the state stores and
// owned by the caller.
func (b *RedisBroker) Close() error {
	return nil
}

func (b *RedisBroker) addArgs(stream string, data any) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{dataField: data},
	}
	if b.cfg.MaxLen > 0 && stream == b.cfg.Stream {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	return args
}

// decodeDeadLetter turns a stored dead-letter body into a DeadLetter,
// keeping the raw body when it is not a valid record.
func decodeDeadLetter(id, data string) DeadLetter {
	var msg message.DLQMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil || msg.OriginalMessage == nil {
		return DeadLetter{ID: id, Raw: data}
	}
	return DeadLetter{ID: id, Message: &msg}
}

// originalPayload extracts the wire form of the original notification from a
// stored dead-letter body.
func originalPayload(data []byte) ([]byte, error) {
	var msg message.DLQMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode dead letter: %w", err)
	}
	if msg.OriginalMessage == nil {
		return nil, errors.New("dead letter has no original message")
	}
	return json.Marshal(msg.OriginalMessage)
}
