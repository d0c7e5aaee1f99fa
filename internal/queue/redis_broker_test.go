package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sungwon/push-worker/internal/message"
)

func testRedisConfig() Config {
	return Config{
		Stream:       "test:push",
		Group:        "workers",
		ConsumerName: "c1",
		BlockTimeout: 50 * time.Millisecond,
	}
}

func newTestRedisBroker(t *testing.T) (*RedisBroker, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	b, err := NewRedisBroker(context.Background(), client, testRedisConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRedisBroker() error = %v", err)
	}
	return b, client, mr
}

func pendingCount(t *testing.T, client *redis.Client) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), "test:push", "workers").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	return p.Count
}

func TestRedisBroker_GroupCreationIsIdempotent(t *testing.T) {
	_, client, _ := newTestRedisBroker(t)

	if _, err := NewRedisBroker(context.Background(), client, testRedisConfig(), zerolog.Nop()); err != nil {
		t.Fatalf("second NewRedisBroker() error = %v", err)
	}
}

func TestRedisBroker_EnqueueNextAck(t *testing.T) {
	b, client, _ := newTestRedisBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, []byte(`{"trace_id":"t1"}`))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	d, err := b.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if d.Tag != id {
		t.Errorf("Tag = %s, want %s", d.Tag, id)
	}
	if string(d.Body) != `{"trace_id":"t1"}` {
		t.Errorf("Body = %s", d.Body)
	}
	if n := pendingCount(t, client); n != 1 {
		t.Errorf("pending before ack = %d, want 1", n)
	}

	if err := b.Ack(ctx, d.Tag); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if n := pendingCount(t, client); n != 0 {
		t.Errorf("pending after ack = %d, want 0", n)
	}
}

func TestRedisBroker_RejectRequeue(t *testing.T) {
	b, client, _ := newTestRedisBroker(t)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, []byte("payload")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	first, err := b.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}

	if err := b.Reject(ctx, first.Tag, true); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if n := pendingCount(t, client); n != 0 {
		t.Errorf("pending after requeue = %d, want 0", n)
	}

	second, err := b.Next(ctx)
	if err != nil {
		t.Fatalf("Next() after requeue error = %v", err)
	}
	if second.Tag == first.Tag {
		t.Error("requeued delivery must be a new stream entry")
	}
	if string(second.Body) != "payload" {
		t.Errorf("requeued Body = %s", second.Body)
	}
}

func TestRedisBroker_RejectDrop(t *testing.T) {
	b, client, _ := newTestRedisBroker(t)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, []byte("payload")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d, err := b.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}

	if err := b.Reject(ctx, d.Tag, false); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if n := pendingCount(t, client); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if n := client.XLen(ctx, "test:push").Val(); n != 1 {
		t.Errorf("stream length = %d, want 1 (no re-add)", n)
	}
}

func TestRedisBroker_PendingReplayedAfterRestart(t *testing.T) {
	b, client, _ := newTestRedisBroker(t)
	ctx := context.Background()

	for _, p := range []string{"one", "two"} {
		if _, err := b.Enqueue(ctx, []byte(p)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	unacked, err := b.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}

	restarted, err := NewRedisBroker(ctx, client, testRedisConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRedisBroker() error = %v", err)
	}

	replayed, err := restarted.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if replayed.Tag != unacked.Tag {
		t.Errorf("first delivery after restart = %s, want pending %s", replayed.Tag, unacked.Tag)
	}

	fresh, err := restarted.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if string(fresh.Body) != "two" {
		t.Errorf("second delivery after restart = %s, want two", fresh.Body)
	}
}

func TestRedisBroker_ClaimsIdleEntryFromRenamedConsumer(t *testing.T) {
	b, client, mr := newTestRedisBroker(t)
	ctx := context.Background()
	start := time.Now()
	mr.SetTime(start)

	if _, err := b.Enqueue(ctx, []byte("orphan")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	orphan, err := b.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}

	cfg := testRedisConfig()
	cfg.ConsumerName = "c2"
	cfg.ClaimMinIdle = time.Minute

	tests := []struct {
		name    string
		elapsed time.Duration
		want    string
	}{
		{"not yet idle", 30 * time.Second, ""},
		{"idle past min", 2 * time.Minute, orphan.Tag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr.SetTime(start.Add(tt.elapsed))
			replacement, err := NewRedisBroker(ctx, client, cfg, zerolog.Nop())
			if err != nil {
				t.Fatalf("NewRedisBroker() error = %v", err)
			}

			nextCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
			defer cancel()
			d, err := replacement.Next(nextCtx)

			if tt.want == "" {
				if !errors.Is(err, ErrClosed) {
					t.Errorf("Next() = %+v, %v; want nothing before min idle", d, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if d.Tag != tt.want || string(d.Body) != "orphan" {
				t.Errorf("Next() = %s %q, want claimed %s", d.Tag, d.Body, tt.want)
			}
			if err := replacement.Ack(ctx, d.Tag); err != nil {
				t.Fatalf("Ack() error = %v", err)
			}
			if n := pendingCount(t, client); n != 0 {
				t.Errorf("pending after ack = %d, want 0", n)
			}
		})
	}
}

func TestRedisBroker_NextCancelled(t *testing.T) {
	b, _, _ := newTestRedisBroker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	if _, err := b.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Next() error = %v, want ErrClosed", err)
	}
}

func TestRedisBroker_NextStoreDown(t *testing.T) {
	b, _, mr := newTestRedisBroker(t)
	mr.Close()

	_, err := b.Next(context.Background())
	if err == nil || errors.Is(err, ErrClosed) {
		t.Errorf("Next() error = %v, want a receive error", err)
	}
}

func TestRedisBroker_DeadLetters(t *testing.T) {
	b, client, _ := newTestRedisBroker(t)
	ctx := context.Background()

	n := &message.Notification{
		TraceID: "t1", UserID: "u1", TemplateCode: "welcome_push",
		Recipient: "device", IdempotencyKey: "k1",
		Params: map[string]any{"name": "Ada"},
	}
	if err := b.PublishDeadLetter(ctx, message.NewDLQMessage(n, "push send: boom", time.Now())); err != nil {
		t.Fatalf("PublishDeadLetter() error = %v", err)
	}
	client.XAdd(ctx, &redis.XAddArgs{Stream: "test:push:dlq", Values: map[string]any{"data": "garbage"}})

	list, err := b.List(ctx, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List() returned %d records, want 2", len(list))
	}
	if list[0].Message == nil || list[0].Message.FailureReason != "push send: boom" {
		t.Errorf("record 0 = %+v", list[0])
	}
	if list[1].Raw != "garbage" {
		t.Errorf("record 1 = %+v, want raw body", list[1])
	}

	moved, err := b.Reprocess(ctx, []string{list[0].ID, list[1].ID, "0-1"})
	if err != nil {
		t.Fatalf("Reprocess() error = %v", err)
	}
	if moved != 1 {
		t.Errorf("reprocessed = %d, want 1", moved)
	}
	if l := client.XLen(ctx, "test:push:dlq").Val(); l != 1 {
		t.Errorf("dlq length = %d, want 1 (malformed record stays)", l)
	}

	d, err := b.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	parsed, err := message.Parse(d.Body)
	if err != nil {
		t.Fatalf("re-enqueued payload does not parse: %v", err)
	}
	if parsed.IdempotencyKey != "k1" || parsed.Params["name"] != "Ada" {
		t.Errorf("re-enqueued = %+v", parsed)
	}
}

func TestRedisBroker_MaxLen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := testRedisConfig()
	cfg.MaxLen = 2
	b, err := NewRedisBroker(context.Background(), client, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRedisBroker() error = %v", err)
	}

	args := b.addArgs(cfg.Stream, "x")
	if args.MaxLen != 2 || !args.Approx {
		t.Errorf("primary stream args = %+v, want approximate trim", args)
	}
	if dlq := b.addArgs(cfg.dlqStream(), "x"); dlq.MaxLen != 0 {
		t.Errorf("dlq stream must not be trimmed, got MaxLen %d", dlq.MaxLen)
	}
}

func TestOriginalPayload(t *testing.T) {
	n := &message.Notification{TraceID: "t", UserID: "u", TemplateCode: "c", Recipient: "r", IdempotencyKey: "k"}
	data, _ := json.Marshal(message.NewDLQMessage(n, "x", time.Now()))

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"valid", string(data), false},
		{"not json", "nope", true},
		{"missing original", `{"failure_reason":"x","failed_at":"2026-01-01T00:00:00.000Z"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := originalPayload([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Errorf("originalPayload() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
