// Package lock provides short-lived named mutual exclusion across processes.
//
// Acquire never waits: when the key is held the caller gets
// ErrActionInProgress and is expected to report it (409) rather than queue.
// Every lock carries a TTL so a crashed holder cannot wedge a key forever.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/logging"
)

const (
	MinTTL     = 30 * time.Second
	MaxTTL     = 60 * time.Second
	DefaultTTL = MinTTL
)

// ErrActionInProgress is returned when the key is already held.
var ErrActionInProgress = apperr.New(apperr.KindActionInProgress, "ACTION_IN_PROGRESS",
	"another request is already processing this action, retry shortly")

// Locker acquires and releases named locks.
type Locker interface {
	// Acquire takes the lock or fails immediately with ErrActionInProgress.
	// The returned token must be passed to Release.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Release drops the lock if token still owns it. Releasing a lock that
	// expired or was taken over is not an error.
	Release(ctx context.Context, key, token string) error
}

// ClampTTL bounds ttl to [MinTTL, MaxTTL]; zero selects DefaultTTL.
func ClampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return DefaultTTL
	case ttl < MinTTL:
		return MinTTL
	case ttl > MaxTTL:
		return MaxTTL
	}
	return ttl
}

// WithLock runs fn while holding key. The lock is released on every exit
// path, including a panic in fn, and release uses a context detached from
// ctx so a cancelled request still frees the key.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, err := l.Acquire(ctx, key, ClampTTL(ttl))
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := l.Release(releaseCtx, key, token); relErr != nil {
			// The TTL frees the key eventually.
			logging.L(ctx).Warn("lock release failed", "key", key, "error", relErr)
		}
	}()
	return fn(ctx)
}

// Key joins parts with ':' into a lock key, e.g. Key("order", "cancel", id).
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// IsHeld reports whether err means the lock was held by someone else.
func IsHeld(err error) bool {
	return errors.Is(err, ErrActionInProgress)
}

func acquireErr(key string, err error) error {
	return fmt.Errorf("acquire lock %s: %w", key, err)
}
