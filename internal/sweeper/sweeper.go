// Package sweeper auto-cancels orders whose seller never acknowledged them.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/bazaar/internal/lock"
	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/orders"
	"github.com/mbd888/bazaar/internal/store"
)

const (
	DefaultInterval  = time.Hour
	DefaultThreshold = 48 * time.Hour
	DefaultBatchSize = 100
)

// Lister finds cancellation candidates.
type Lister interface {
	ListStalledOrders(ctx context.Context, before time.Time, limit int) ([]*store.Order, error)
}

// Canceller cancels one stalled order, re-checking eligibility under its
// own lock. *orders.Service implements it.
type Canceller interface {
	CancelStalled(ctx context.Context, orderID string, cutoff time.Time) (*orders.Outcome, error)
}

// Report summarizes one sweep.
type Report struct {
	Candidates int           `json:"candidates"`
	Cancelled  int           `json:"cancelled"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
	// Locked is set when another process was already sweeping.
	Locked bool `json:"locked,omitempty"`
}

// Sweeper periodically cancels stalled orders.
type Sweeper struct {
	lister    Lister
	canceller Canceller
	locker    lock.Locker
	interval  time.Duration
	threshold time.Duration
	batchSize int
	lockTTL   time.Duration
	now       func() time.Time
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// Option configures a Sweeper.
type Option func(*Sweeper)

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithThreshold sets how long an order may sit unacknowledged.
func WithThreshold(d time.Duration) Option {
	return func(s *Sweeper) { s.threshold = d }
}

func WithBatchSize(n int) Option {
	return func(s *Sweeper) { s.batchSize = n }
}

func WithLockTTL(ttl time.Duration) Option {
	return func(s *Sweeper) { s.lockTTL = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a sweeper.
func New(lister Lister, canceller Canceller, locker lock.Locker, logger *slog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		lister:    lister,
		canceller: canceller,
		locker:    locker,
		interval:  DefaultInterval,
		threshold: DefaultThreshold,
		batchSize: DefaultBatchSize,
		lockTTL:   lock.MaxTTL,
		now:       time.Now,
		logger:    logger,
		stop:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop signals the sweep loop to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

// RunOnce performs one sweep. It never panics and never returns an error;
// failures are logged and counted in the report.
func (s *Sweeper) RunOnce(ctx context.Context) (rep Report) {
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in order sweeper", "panic", fmt.Sprint(r))
			metrics.SweeperRunsTotal.WithLabelValues("panic").Inc()
		}
		rep.Duration = s.now().Sub(start)
	}()

	err := lock.WithLock(ctx, s.locker, lock.Key("sweeper", "run"), s.lockTTL, func(ctx context.Context) error {
		return s.sweep(ctx, start, &rep)
	})
	switch {
	case lock.IsHeld(err):
		rep.Locked = true
		s.logger.Debug("sweep skipped, another run holds the lock")
		metrics.SweeperRunsTotal.WithLabelValues("locked").Inc()
	case err != nil:
		s.logger.Warn("sweep failed", "error", err)
		metrics.SweeperRunsTotal.WithLabelValues("error").Inc()
	default:
		if rep.Candidates > 0 {
			s.logger.Info("sweep complete",
				"candidates", rep.Candidates, "cancelled", rep.Cancelled,
				"skipped", rep.Skipped, "failed", rep.Failed)
		}
		metrics.SweeperRunsTotal.WithLabelValues("ok").Inc()
	}
	return rep
}

func (s *Sweeper) sweep(ctx context.Context, now time.Time, rep *Report) error {
	cutoff := now.Add(-s.threshold)
	candidates, err := s.lister.ListStalledOrders(ctx, cutoff, s.batchSize)
	if err != nil {
		return fmt.Errorf("list stalled orders: %w", err)
	}
	rep.Candidates = len(candidates)

	for _, o := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch outcome := s.cancelOne(ctx, o, cutoff); outcome {
		case "cancelled":
			rep.Cancelled++
		case "skipped":
			rep.Skipped++
		default:
			rep.Failed++
		}
	}
	return nil
}

// cancelOne isolates one order's failure, panics included, from the rest
// of the batch.
func (s *Sweeper) cancelOne(ctx context.Context, o *store.Order, cutoff time.Time) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic cancelling stalled order", "order", o.ID, "panic", fmt.Sprint(r))
			outcome = "failed"
		}
		metrics.SweeperOrdersTotal.WithLabelValues(outcome).Inc()
	}()

	_, err := s.canceller.CancelStalled(ctx, o.ID, cutoff)
	switch {
	case err == nil:
		s.logger.Info("auto-cancelled stalled order",
			"order", o.ID, "buyer", o.BuyerID, "seller", o.SellerID, "amount", o.TotalAmount)
		return "cancelled"
	case errors.Is(err, orders.ErrNotStalled), lock.IsHeld(err):
		// Acknowledged, disputed or being handled concurrently.
		s.logger.Debug("stalled order skipped", "order", o.ID, "reason", err)
		return "skipped"
	default:
		s.logger.Warn("failed to auto-cancel stalled order", "order", o.ID, "error", err)
		return "failed"
	}
}
