// internal/locking/redis.go
package locking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL    = 30 * time.Second
	defaultRetryDelay = 50 * time.Millisecond
	lockKeyPrefix     = "ledger:lock:asset:"
)

// Only the holder that set the token may delete the key.
var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker serializes writers across service instances with a SET NX
// lock per key. The TTL bounds how long a crashed holder blocks the key.
type RedisLocker struct {
	client     *redis.Client
	ttl        time.Duration
	retryDelay time.Duration
}

type RedisOption func(*RedisLocker)

func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func WithRetryDelay(delay time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if delay > 0 {
			l.retryDelay = delay
		}
	}
}

func NewRedisLocker(client *redis.Client, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client:     client,
		ttl:        defaultLockTTL,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Release, error) {
	redisKey := lockKeyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	var releaseErr error
	return func(ctx context.Context) error {
		once.Do(func() {
			n, err := unlockScript.Run(ctx, l.client, []string{redisKey}, token).Int64()
			switch {
			case err != nil:
				releaseErr = err
			case n == 0:
				releaseErr = ErrLockNotHeld
			}
		})
		return releaseErr
	}, nil
}
