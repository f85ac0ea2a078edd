// Package notify runs post-commit side effects: user notifications and read
// cache invalidation. Dispatch never blocks the caller and never reports
// failure back; a failed side effect is logged and counted, nothing more.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/store"
)

// EventType names what happened.
type EventType string

const (
	EventOrderCreated    EventType = "order.created"
	EventTrackingUpdated EventType = "order.tracking_updated"
	EventOrderCancelled  EventType = "order.cancelled"
	EventOrderDelivered  EventType = "order.delivered"
	EventDisputeOpened   EventType = "dispute.opened"
	EventDisputeResolved EventType = "dispute.resolved"
	EventSellerSuspended EventType = "seller.suspended"
)

// Event is a committed state change worth telling someone about.
type Event struct {
	Type      EventType      `json:"type"`
	OrderID   string         `json:"orderId,omitempty"`
	Order     *store.Order   `json:"order,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`

	// Recipients are the users to notify. Their cached wallets are purged.
	Recipients []string `json:"-"`
}

// OrderEvent builds an event addressed to the order's buyer and seller.
func OrderEvent(typ EventType, o *store.Order) Event {
	return Event{
		Type:       typ,
		OrderID:    o.ID,
		Order:      o,
		Timestamp:  time.Now(),
		Recipients: []string{o.BuyerID, o.SellerID},
	}
}

// Notifier delivers an event to users.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Purger drops cached reads made stale by an event.
type Purger interface {
	Purge(ctx context.Context, ev Event) error
}

// Dispatcher fans committed events out to notifiers and the cache purger
// on detached goroutines.
type Dispatcher struct {
	notifiers []Notifier
	purger    Purger
	timeout   time.Duration
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPurger sets the cache purger.
func WithPurger(p Purger) Option {
	return func(d *Dispatcher) { d.purger = p }
}

// WithTimeout bounds each side effect.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// NewDispatcher creates a dispatcher. Nil notifiers are skipped.
func NewDispatcher(logger *slog.Logger, notifiers []Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{timeout: 10 * time.Second, logger: logger}
	for _, n := range notifiers {
		if n != nil {
			d.notifiers = append(d.notifiers, n)
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch schedules ev and returns immediately. The request context's
// values (request id, actor) are kept but its cancellation is not.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	if d == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	bg := context.WithoutCancel(ctx)
	if d.purger != nil {
		d.run(bg, "cache_purge", ev, d.purger.Purge)
	}
	for _, n := range d.notifiers {
		d.run(bg, "notify", ev, n.Notify)
	}
}

func (d *Dispatcher) run(ctx context.Context, kind string, ev Event, fn func(context.Context, Event) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		log := logging.Component(ctx, d.logger)
		defer func() {
			if r := recover(); r != nil {
				metrics.SideEffectsTotal.WithLabelValues(kind, "panic").Inc()
				log.Error("side effect panicked", "kind", kind, "event", ev.Type, "order", ev.OrderID, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		if err := fn(ctx, ev); err != nil {
			metrics.SideEffectsTotal.WithLabelValues(kind, "error").Inc()
			log.Warn("side effect failed", "kind", kind, "event", ev.Type, "order", ev.OrderID, "error", err)
			return
		}
		metrics.SideEffectsTotal.WithLabelValues(kind, "ok").Inc()
	}()
}

// Wait blocks until every dispatched side effect has finished. Used at
// shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// LogNotifier writes events to the log. It stands in for the email/push
// provider.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, ev Event) error {
	logging.Component(ctx, n.logger).Info("notification",
		"event", ev.Type,
		"order", ev.OrderID,
		"recipients", ev.Recipients,
	)
	return nil
}
