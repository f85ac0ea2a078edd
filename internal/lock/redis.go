package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mbd888/bazaar/internal/idgen"
)

// releaseScript deletes the key only if it still holds the caller's token,
// so a holder whose TTL lapsed cannot free a lock someone else now owns.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLocker implements Locker with SET NX PX on a shared Redis.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	token  func() string
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithKeyPrefix namespaces every lock key, e.g. "lock:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) { l.prefix = prefix }
}

// WithTokenSource replaces the random owner token generator.
func WithTokenSource(fn func() string) RedisOption {
	return func(l *RedisLocker) { l.token = fn }
}

// NewRedisLocker creates a Locker backed by client.
func NewRedisLocker(client redis.Cmdable, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		prefix: "lock:",
		token:  func() string { return idgen.WithPrefix(idgen.PrefixLock) },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := l.token()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ClampTTL(ttl)).Result()
	if err != nil {
		return "", acquireErr(key, err)
	}
	if !ok {
		return "", ErrActionInProgress
	}
	return token, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.prefix + key}, token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

var _ Locker = (*RedisLocker)(nil)
