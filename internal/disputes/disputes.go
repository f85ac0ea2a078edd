// Package disputes settles disputed orders. A staff member resolves an
// open dispute either in the seller's favour (escrow is released) or the
// buyer's (escrow is refunded). The settlement, the order's terminal
// status and an immutable resolution record commit together.
package disputes

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/lock"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/notify"
	"github.com/mbd888/bazaar/internal/orders"
	"github.com/mbd888/bazaar/internal/store"
	"github.com/mbd888/bazaar/internal/traces"
)

var (
	ErrDisputeNotOpen    = apperr.New(apperr.KindConflict, "DISPUTE_NOT_OPEN", "order has no open dispute")
	ErrInvalidResolution = apperr.New(apperr.KindValidation, "INVALID_RESOLUTION", "resolution must be release or refund")
	ErrStaffOnly         = apperr.New(apperr.KindForbidden, "STAFF_ONLY", "only admin or support staff may resolve disputes")
)

// ResolveRequest asks for a dispute to be settled.
type ResolveRequest struct {
	OrderID    string           `json:"-"`
	Resolution store.Resolution `json:"resolution" binding:"required"`
	Note       string           `json:"note"`
}

// Outcome is the result of a resolution.
type Outcome struct {
	Order   *store.Order             `json:"order"`
	Record  *store.DisputeResolution `json:"resolution"`
	Wallets map[string]*store.Wallet `json:"wallets,omitempty"`
}

// Coordinator resolves disputes.
type Coordinator struct {
	store     store.Store
	ledger    *ledger.Ledger
	locker    lock.Locker
	publisher orders.Publisher
	lockTTL   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithPublisher(p orders.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

func WithLockTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.lockTTL = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// NewCoordinator creates a dispute coordinator.
func NewCoordinator(s store.Store, l *ledger.Ledger, locker lock.Locker, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   s,
		ledger:  l,
		locker:  locker,
		lockTTL: lock.DefaultTTL,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve settles an open dispute. A second call for the same order fails
// with ErrDisputeNotOpen.
func (c *Coordinator) Resolve(ctx context.Context, actor auth.Identity, req ResolveRequest) (out *Outcome, err error) {
	if !actor.Role.IsStaff() {
		return nil, ErrStaffOnly
	}
	if req.Resolution != store.ResolutionRelease && req.Resolution != store.ResolutionRefund {
		return nil, ErrInvalidResolution
	}

	ctx, span := traces.StartSpan(ctx, "disputes.resolve",
		traces.OrderID(req.OrderID), traces.UserID(actor.UserID), traces.Action(string(req.Resolution)))
	defer func() { traces.End(span, err) }()

	var postings []*ledger.Result
	key := lock.Key("dispute", "resolve", req.OrderID)
	err = lock.WithLock(ctx, c.locker, key, c.lockTTL, func(ctx context.Context) error {
		return c.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
			out, postings = &Outcome{Wallets: make(map[string]*store.Wallet)}, nil

			o, err := tx.GetOrder(ctx, req.OrderID)
			if err != nil {
				return err
			}
			if o.Dispute != store.DisputeOpen || o.Status != store.OrderRunning {
				return ErrDisputeNotOpen
			}

			var res *ledger.Result
			now := c.now()
			switch req.Resolution {
			case store.ResolutionRelease:
				res, err = c.ledger.ReleaseTx(ctx, tx, o)
				o.Status = store.OrderDelivered
				o.DeliveredAt = &now
			case store.ResolutionRefund:
				res, err = c.ledger.RefundTx(ctx, tx, o)
				o.Status = store.OrderCancelled
				o.CancelledAt = &now
				o.CancelledBy = actor.UserID
				o.CancellationReason = "dispute_refund"
			}
			if err != nil {
				return err
			}
			if req.Resolution == store.ResolutionRefund {
				if err := orders.RestockTx(ctx, tx, o); err != nil {
					return err
				}
			}
			postings = append(postings, res)
			if res.Wallet != nil {
				out.Wallets[res.Wallet.UserID] = res.Wallet
			}

			o.Dispute = store.DisputeResolved
			o.ResolvedAt = &now
			o.ResolvedBy = actor.UserID
			o.Resolution = req.Resolution
			o.ResolutionNote = req.Note
			o.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return err
			}

			record := &store.DisputeResolution{
				OrderID:    o.ID,
				Resolution: req.Resolution,
				AdminID:    actor.UserID,
				Note:       req.Note,
				Timestamp:  now,
			}
			if err := tx.InsertDisputeResolution(ctx, record); err != nil {
				return err
			}
			out.Order, out.Record = o, record
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	ledger.Observe(postings...)
	metrics.DisputesResolvedTotal.WithLabelValues(string(req.Resolution)).Inc()
	logging.Component(ctx, c.logger).Info("dispute resolved",
		"order", out.Order.ID, "resolution", req.Resolution, "admin", actor.UserID)
	if c.publisher != nil {
		ev := notify.OrderEvent(notify.EventDisputeResolved, out.Order)
		ev.Data = map[string]any{"resolution": req.Resolution}
		c.publisher.Dispatch(ctx, ev)
	}
	return out, nil
}

// Get returns the resolution record of an order.
func (c *Coordinator) Get(ctx context.Context, actor auth.Identity, orderID string) (*store.DisputeResolution, error) {
	if !actor.Role.IsStaff() {
		o, err := c.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if o.BuyerID != actor.UserID && o.SellerID != actor.UserID {
			return nil, orders.ErrNotParticipant
		}
	}
	return c.store.GetDisputeResolution(ctx, orderID)
}
