package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "lock:v1:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every replica using the same Redis. Each
// lock carries a TTL so a crashed holder cannot block the key forever.
type RedisLocker struct {
	cache  *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// NewRedisLocker builds a RedisLocker. ttl must exceed the longest critical
// section it guards.
func NewRedisLocker(cache *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{cache: cache, ttl: ttl, retry: 25 * time.Millisecond, logger: logger}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	cacheKey := lockPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.cache.SetNX(ctx, cacheKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(l.retry):
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.cache, []string{cacheKey}, token).Err(); err != nil {
			l.logger.Warn("release lock failed", slog.String("key", key), slog.Any("error", err))
		}
	}, nil
}
