// Package ratelimit throttles callers with token buckets. Reads and
// money-moving writes draw from separate buckets so a client polling its
// orders cannot starve its own checkout, and a scripted client cannot
// hammer checkout at the read rate.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/metrics"
)

// Rate is one token bucket shape.
type Rate struct {
	PerMinute int
	Burst     int
}

func (r Rate) perSecond() float64 { return float64(r.PerMinute) / 60 }

// Config configures rate limiting.
type Config struct {
	Read  Rate // GET, HEAD and OPTIONS
	Write Rate // everything else
	// IdleTTL drops buckets that have not been touched for this long.
	IdleTTL         time.Duration
	CleanupInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Read:            Rate{PerMinute: 120, Burst: 20},
		Write:           Rate{PerMinute: 20, Burst: 5},
		IdleTTL:         2 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

type Class string

const (
	ClassRead  Class = "read"
	ClassWrite Class = "write"
)

// ClassOf maps an HTTP method to its bucket class.
func ClassOf(method string) Class {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ClassRead
	default:
		return ClassWrite
	}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter tracks buckets per caller and class.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter and starts its cleanup goroutine. Call Stop when done.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if cfg.CleanupInterval > 0 {
		go l.cleanupLoop()
	}
	return l
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.cfg.IdleTTL)
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) rate(class Class) Rate {
	if class == ClassWrite {
		return l.cfg.Write
	}
	return l.cfg.Read
}

// Allow spends one token from the caller's bucket for class.
func (l *Limiter) Allow(caller string, class Class) bool {
	rate := l.rate(class)
	key := string(class) + ":" + caller

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rate.Burst), seen: now}
		l.buckets[key] = b
	}

	b.tokens += now.Sub(b.seen).Seconds() * rate.perSecond()
	if b.tokens > float64(rate.Burst) {
		b.tokens = float64(rate.Burst)
	}
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware rate limits by caller. It must run after auth.Middleware:
// authenticated callers are keyed by user id, anonymous ones (webhooks,
// health probes) by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := "ip:" + c.ClientIP()
		if id, ok := auth.GetIdentity(c); ok {
			caller = "user:" + id.UserID
		}
		class := ClassOf(c.Request.Method)

		if !l.Allow(caller, class) {
			metrics.RateLimitedTotal.WithLabelValues(string(class)).Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "RATE_LIMITED",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}
