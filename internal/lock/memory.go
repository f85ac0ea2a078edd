package lock

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/bazaar/internal/idgen"
)

type memEntry struct {
	token   string
	expires time.Time
}

// MemoryLocker implements Locker within one process. It is used in demo
// mode and tests; multiple replicas need RedisLocker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memEntry
	now  func() time.Time
}

// NewMemoryLocker creates an in-process Locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held: make(map[string]memEntry),
		now:  time.Now,
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", acquireErr(key, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return "", ErrActionInProgress
	}
	token := idgen.WithPrefix(idgen.PrefixLock)
	l.held[key] = memEntry{token: token, expires: now.Add(ClampTTL(ttl))}
	return token, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.held[key]; ok && e.token == token {
		delete(l.held, key)
	}
	return nil
}

// Held reports whether key is currently locked.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.held[key]
	return ok && l.now().Before(e.expires)
}

var _ Locker = (*MemoryLocker)(nil)
