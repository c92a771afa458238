package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "lock:"

// Tickets live in a sorted set scored by expiry (unix ms).
var (
	acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

	releaseScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local removed = redis.call('ZREM', KEYS[1], ARGV[2])
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
end
return removed
`)
)

// RedisBackend keeps lock state in Redis. Each operation is one Lua script,
// which Redis runs atomically.
type RedisBackend struct {
	client redis.Scripter
}

var _ Backend = (*RedisBackend)(nil)

func NewRedisBackend(client redis.Scripter) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Acquire(ctx context.Context, name, ticket string, max int, now time.Time, ttl time.Duration) error {
	ok, err := acquireScript.Run(ctx, b.client, []string{redisKeyPrefix + name},
		now.UnixMilli(), now.Add(ttl).UnixMilli(), max, ticket, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrAcquireFailed
	}
	return nil
}

func (b *RedisBackend) Release(ctx context.Context, name, ticket string, now time.Time) (bool, error) {
	n, err := releaseScript.Run(ctx, b.client, []string{redisKeyPrefix + name}, now.UnixMilli(), ticket).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
