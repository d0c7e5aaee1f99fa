package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Permit is the answer to an Acquire: whether the call may proceed, the
// generation its outcome must be recorded against, and the phase change the
// acquire itself caused, if any.
type Permit struct {
	Allowed    bool
	Generation int64
	From, To   State
}

// Transition is the phase change caused by a Record.
type Transition struct {
	From, To State
}

// StateStore holds breaker records. Each method is one atomic operation on
// the record for name.
type StateStore interface {
	// Acquire admits a call. An open circuit grants one trial once
	// resetTimeout has passed since it opened; a half-open circuit grants
	// another trial only after the current one's trialLease has run out.
	Acquire(ctx context.Context, name string, now time.Time, resetTimeout, trialLease time.Duration) (Permit, error)
	Record(ctx context.Context, name string, generation int64, success bool, threshold uint32, now time.Time) (Transition, error)
	Load(ctx context.Context, name string) (Snapshot, error)
}

// Record fields: state (0 closed, 1 half-open, 2 open), failures,
// opened_at and trial_at (unix ms), generation.
//
// acquireScript returns {allowed, from, to, generation}.
var acquireScript = redis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'state', 'opened_at', 'generation', 'trial_at')
local state = tonumber(h[1]) or 0
local opened = tonumber(h[2]) or 0
local gen = tonumber(h[3]) or 0
local trial = tonumber(h[4]) or 0
local now = tonumber(ARGV[1])
local reset = tonumber(ARGV[2])
local lease = tonumber(ARGV[3])

if state == 0 then
	return {1, 0, 0, gen}
end

if state == 2 then
	if now - opened >= reset then
		gen = gen + 1
		redis.call('HSET', KEYS[1], 'state', 1, 'generation', gen, 'trial_at', now)
		return {1, 2, 1, gen}
	end
	return {0, 2, 2, gen}
end

if now - trial >= lease then
	gen = gen + 1
	redis.call('HSET', KEYS[1], 'generation', gen, 'trial_at', now)
	return {1, 1, 1, gen}
end
return {0, 1, 1, gen}
`)

// recordScript returns {from, to, generation}. Outcomes against a stale
// generation leave the record untouched.
var recordScript = redis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'state', 'failures', 'generation')
local state = tonumber(h[1]) or 0
local failures = tonumber(h[2]) or 0
local gen = tonumber(h[3]) or 0
local success = ARGV[1] == '1'
local expected = tonumber(ARGV[2])
local threshold = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

if gen ~= expected then
	return {state, state, gen}
end

if state == 1 then
	gen = gen + 1
	if success then
		redis.call('HSET', KEYS[1], 'state', 0, 'failures', 0, 'generation', gen)
		return {1, 0, gen}
	end
	redis.call('HSET', KEYS[1], 'state', 2, 'opened_at', now, 'generation', gen)
	return {1, 2, gen}
end

if state == 0 then
	if success then
		if failures ~= 0 then
			redis.call('HSET', KEYS[1], 'failures', 0)
		end
		return {0, 0, gen}
	end
	failures = failures + 1
	if failures >= threshold then
		gen = gen + 1
		redis.call('HSET', KEYS[1], 'state', 2, 'failures', failures, 'opened_at', now, 'generation', gen)
		return {0, 2, gen}
	end
	redis.call('HSET', KEYS[1], 'failures', failures)
	return {0, 0, gen}
end

return {state, state, gen}
`)

// RedisStateStore keeps breaker records in Redis hashes under "breaker:<name>".
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStateStore creates a RedisStateStore backed by client.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: "breaker:"}
}

// Acquire implements StateStore.
func (s *RedisStateStore) Acquire(ctx context.Context, name string, now time.Time, resetTimeout, trialLease time.Duration) (Permit, error) {
	res, err := acquireScript.Run(ctx, s.client,
		[]string{s.prefix + name},
		now.UnixMilli(), resetTimeout.Milliseconds(), trialLease.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Permit{}, fmt.Errorf("redis acquire %s: %w", name, err)
	}
	if len(res) != 4 {
		return Permit{}, fmt.Errorf("redis acquire %s: unexpected reply length %d", name, len(res))
	}
	return Permit{
		Allowed:    res[0] == 1,
		From:       State(res[1]),
		To:         State(res[2]),
		Generation: res[3],
	}, nil
}

// Record implements StateStore.
func (s *RedisStateStore) Record(ctx context.Context, name string, generation int64, success bool, threshold uint32, now time.Time) (Transition, error) {
	flag := "0"
	if success {
		flag = "1"
	}
	res, err := recordScript.Run(ctx, s.client,
		[]string{s.prefix + name},
		flag, generation, threshold, now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Transition{}, fmt.Errorf("redis record %s: %w", name, err)
	}
	if len(res) != 3 {
		return Transition{}, fmt.Errorf("redis record %s: unexpected reply length %d", name, len(res))
	}
	return Transition{From: State(res[0]), To: State(res[1])}, nil
}

// Load implements StateStore.
func (s *RedisStateStore) Load(ctx context.Context, name string) (Snapshot, error) {
	vals, err := s.client.HMGet(ctx, s.prefix+name, "state", "failures", "opened_at", "generation").Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("redis load %s: %w", name, err)
	}

	snap := Snapshot{Name: name, State: StateClosed.String()}
	if v := parseField(vals[0]); v >= 0 {
		snap.State = State(v).String()
	}
	if v := parseField(vals[1]); v > 0 {
		snap.Failures = uint32(v)
	}
	if v := parseField(vals[2]); v > 0 {
		snap.OpenedAt = time.UnixMilli(v).UTC()
	}
	if v := parseField(vals[3]); v > 0 {
		snap.Generation = v
	}
	return snap, nil
}

func parseField(v any) int64 {
	str, ok := v.(string)
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
