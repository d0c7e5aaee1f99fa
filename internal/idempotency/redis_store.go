package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript sets ARGV[1] with a PX TTL of ARGV[2] when KEYS[1] is absent and
// returns "". When present it returns the stored value unchanged.
var claimScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
	return current
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return ''
`)

// casScript sets ARGV[2] with a PX TTL of ARGV[3] only if KEYS[1] holds ARGV[1].
var casScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
	return 1
end
return 0
`)

// RedisStore keeps idempotency state in Redis under "idempotency:<key>".
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore backed by client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "idempotency:"}
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

// ClaimIfAbsent implements Store.
func (s *RedisStore) ClaimIfAbsent(ctx context.Context, key string, ttl time.Duration) (Status, error) {
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.redisKey(key)},
		string(StatusProcessing), ttl.Milliseconds(),
	).Text()
	if err != nil {
		return StatusUnclaimed, fmt.Errorf("redis claim %s: %w", s.redisKey(key), err)
	}
	return Status(res), nil
}

// CompareAndSet implements Store.
func (s *RedisStore) CompareAndSet(ctx context.Context, key string, from, to Status, ttl time.Duration) (bool, error) {
	n, err := casScript.Run(ctx, s.client,
		[]string{s.redisKey(key)},
		string(from), string(to), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-set %s: %w", s.redisKey(key), err)
	}
	return n == 1, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
