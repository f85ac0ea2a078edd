package notify

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/mbd888/bazaar/internal/circuitbreaker"
)

// BreakerKey names the circuit guarding cache purges.
const BreakerKey = "redis_cache"

// Cache key layout shared with whatever fronts reads.
func OrderCacheKey(orderID string) string { return "cache:order:" + orderID }
func WalletCacheKey(userID string) string { return "cache:wallet:" + userID }

// CachePurger deletes cached order and wallet reads from Redis.
type CachePurger struct {
	client  redis.Cmdable
	breaker *circuitbreaker.Breaker
}

func NewCachePurger(client redis.Cmdable) *CachePurger {
	return &CachePurger{client: client}
}

// WithBreaker skips purges while Redis keeps failing.
func (p *CachePurger) WithBreaker(b *circuitbreaker.Breaker) *CachePurger {
	p.breaker = b
	return p
}

// Keys lists the cache entries made stale by ev.
func Keys(ev Event) []string {
	var keys []string
	if ev.OrderID != "" {
		keys = append(keys, OrderCacheKey(ev.OrderID))
	}
	seen := make(map[string]bool, len(ev.Recipients))
	for _, u := range ev.Recipients {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		keys = append(keys, WalletCacheKey(u))
	}
	return keys
}

func (p *CachePurger) Purge(ctx context.Context, ev Event) error {
	keys := Keys(ev)
	if len(keys) == 0 {
		return nil
	}
	del := func() error { return p.client.Del(ctx, keys...).Err() }
	var err error
	if p.breaker != nil {
		err = p.breaker.Do(BreakerKey, del)
	} else {
		err = del()
	}
	if err != nil {
		return fmt.Errorf("purge %d cache keys: %w", len(keys), err)
	}
	return nil
}
