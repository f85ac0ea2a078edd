// Package orders implements the order lifecycle and its escrow.
//
// Status:   running -> delivered | cancelled
// Tracking: (unset) -> acknowledged -> enroute -> ready_for_pickup, seller only
// Dispute:  none -> open (buyer) -> resolved (staff, see package disputes)
//
// Every mutation authorizes the caller, takes the order's action lock,
// re-reads the order inside one store commit, validates, writes, and only
// after the commit dispatches notifications.
package orders

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/lock"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/notify"
	"github.com/mbd888/bazaar/internal/store"
	"github.com/mbd888/bazaar/internal/traces"
)

var (
	ErrOrderLocked        = apperr.New(apperr.KindForbidden, "ORDER_LOCKED", "the seller has acknowledged this order; it can no longer be cancelled by the buyer")
	ErrNotBuyer           = apperr.New(apperr.KindForbidden, "NOT_ORDER_BUYER", "only the buyer may perform this action")
	ErrNotSeller          = apperr.New(apperr.KindForbidden, "NOT_ORDER_SELLER", "only the seller may perform this action")
	ErrNotParticipant     = apperr.New(apperr.KindForbidden, "FORBIDDEN", "you are not a party to this order")
	ErrSellerSuspended    = apperr.New(apperr.KindForbidden, "SELLER_SUSPENDED", "this seller is suspended and cannot take new orders")
	ErrOrderNotRunning    = apperr.New(apperr.KindConflict, "ORDER_NOT_RUNNING", "order is no longer running")
	ErrDisputeOpen        = apperr.New(apperr.KindConflict, "DISPUTE_OPEN", "order has an open dispute")
	ErrDisputeClosed      = apperr.New(apperr.KindConflict, "DISPUTE_CLOSED", "order dispute was already resolved")
	ErrNotStalled         = apperr.New(apperr.KindConflict, "ORDER_NOT_STALLED", "order is no longer eligible for auto-cancellation")
	ErrTrackingRegression = apperr.New(apperr.KindValidation, "INVALID_TRACKING_TRANSITION", "tracking status may only move forward")
	ErrInvalidTracking    = apperr.New(apperr.KindValidation, "INVALID_TRACKING_STATUS", "unknown tracking status")
	ErrNotReadyForPickup  = apperr.New(apperr.KindValidation, "NOT_READY_FOR_PICKUP", "delivery can only be confirmed once the order is ready for pickup")
	ErrEmptyOrder         = apperr.New(apperr.KindValidation, "EMPTY_ORDER", "at least one item is required")
	ErrInvalidQuantity    = apperr.New(apperr.KindValidation, "INVALID_QUANTITY", "quantity must be positive and within range")
	ErrAmountTooLarge     = apperr.New(apperr.KindValidation, "AMOUNT_TOO_LARGE", "order total is too large")
	ErrMixedSellers       = apperr.New(apperr.KindValidation, "MIXED_SELLERS", "all items in an order must come from one seller")
	ErrSelfPurchase       = apperr.New(apperr.KindValidation, "SELF_PURCHASE", "sellers cannot buy their own products")
	ErrInsufficientStock  = apperr.New(apperr.KindValidation, "INSUFFICIENT_STOCK", "requested quantity exceeds available stock")
	ErrReasonRequired     = apperr.New(apperr.KindValidation, "REASON_REQUIRED", "a reason is required")
	ErrIdempotencyReuse   = apperr.New(apperr.KindConflict, "IDEMPOTENCY_KEY_REUSED", "idempotency key was used for a different order")
)

// Cancellation reasons recorded by the system.
const (
	ReasonAutoCancelled = "auto_cancelled_inactivity"
)

// DefaultStrikeLimit is the number of strikes that suspends a seller.
const DefaultStrikeLimit = 3

// Publisher receives committed events.
type Publisher interface {
	Dispatch(ctx context.Context, ev notify.Event)
}

// Outcome is the result of an order operation. Wallets holds the wallets
// the operation changed, keyed by user id.
type Outcome struct {
	Order            *store.Order             `json:"order,omitempty"`
	Orders           []*store.Order           `json:"orders,omitempty"`
	Wallets          map[string]*store.Wallet `json:"wallets,omitempty"`
	AlreadyProcessed bool                     `json:"alreadyProcessed"`

	postings []*ledger.Result
	events   []notify.Event
}

func newOutcome() *Outcome {
	return &Outcome{Wallets: make(map[string]*store.Wallet)}
}

func (o *Outcome) record(r *ledger.Result) {
	if r == nil {
		return
	}
	o.postings = append(o.postings, r)
	if r.Wallet != nil {
		o.Wallets[r.Wallet.UserID] = r.Wallet
	}
}

// Service runs the order state machine.
type Service struct {
	store       store.Store
	ledger      *ledger.Ledger
	locker      lock.Locker
	publisher   Publisher
	commission  decimal.Decimal
	strikeLimit int
	lockTTL     time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCommissionRate sets the platform commission withheld on release.
func WithCommissionRate(rate decimal.Decimal) Option {
	return func(s *Service) { s.commission = rate }
}

func WithStrikeLimit(n int) Option {
	return func(s *Service) { s.strikeLimit = n }
}

func WithLockTTL(ttl time.Duration) Option {
	return func(s *Service) { s.lockTTL = ttl }
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates the order service.
func NewService(s store.Store, l *ledger.Ledger, locker lock.Locker, opts ...Option) *Service {
	svc := &Service{
		store:       s,
		ledger:      l,
		locker:      locker,
		commission:  decimal.RequireFromString("0.10"),
		strikeLimit: DefaultStrikeLimit,
		lockTTL:     lock.DefaultTTL,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Get returns an order visible to the actor.
func (s *Service) Get(ctx context.Context, actor auth.Identity, orderID string) (*store.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.Role.IsStaff() && actor.UserID != o.BuyerID && actor.UserID != o.SellerID {
		return nil, ErrNotParticipant
	}
	return o, nil
}

// ListForUser returns orders where the actor is buyer or seller, newest first.
func (s *Service) ListForUser(ctx context.Context, actor auth.Identity, limit int) ([]*store.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListOrdersByUser(ctx, actor.UserID, limit)
}

// mutation is the body of a transition on an existing order. It edits o in
// place; the caller persists it unless out.AlreadyProcessed is set.
type mutation func(ctx context.Context, tx store.Tx, o *store.Order, out *Outcome) error

// transition runs fn under lockKey inside one commit, then publishes the
// events fn queued.
func (s *Service) transition(ctx context.Context, action, lockKey, orderID string, fn mutation) (out *Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "orders."+action, traces.OrderID(orderID), traces.Action(action))
	defer func() {
		traces.End(span, err)
		observe(action, out, err)
	}()

	err = lock.WithLock(ctx, s.locker, lockKey, s.lockTTL, func(ctx context.Context) error {
		return s.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
			out = newOutcome()
			o, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			if err := fn(ctx, tx, o, out); err != nil {
				return err
			}
			out.Order = o
			if out.AlreadyProcessed {
				return nil
			}
			o.UpdatedAt = s.now()
			return tx.UpdateOrder(ctx, o)
		})
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, action, out)
	return out, nil
}

// committed runs the post-commit work: metrics and side effects.
func (s *Service) committed(ctx context.Context, action string, out *Outcome) {
	ledger.Observe(out.postings...)
	if out.AlreadyProcessed {
		s.log(ctx).Info("order action replayed", "action", action, "order", orderID(out))
		return
	}
	s.log(ctx).Info("order action committed", "action", action, "order", orderID(out))
	for _, ev := range out.events {
		if ev.Type == notify.EventSellerSuspended {
			metrics.SellersSuspendedTotal.Inc()
			s.log(ctx).Warn("seller suspended", "seller", ev.Data["sellerId"], "strikes", ev.Data["strikes"])
		}
		if s.publisher != nil {
			s.publisher.Dispatch(ctx, ev)
		}
	}
}

func orderID(out *Outcome) string {
	switch {
	case out.Order != nil:
		return out.Order.ID
	case len(out.Orders) > 0:
		return out.Orders[0].BundleID
	}
	return ""
}

// authorize loads the order outside the lock to reject callers who are
// not the expected party before any lock is taken. The check is repeated
// inside the commit.
func (s *Service) authorize(ctx context.Context, orderID string, check func(o *store.Order) error) error {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	return check(o)
}

func buyerOnly(actor auth.Identity) func(*store.Order) error {
	return func(o *store.Order) error {
		if o.BuyerID != actor.UserID {
			return ErrNotBuyer
		}
		return nil
	}
}

func sellerOnly(actor auth.Identity) func(*store.Order) error {
	return func(o *store.Order) error {
		if o.SellerID != actor.UserID {
			return ErrNotSeller
		}
		return nil
	}
}

// UpdateTracking advances the seller-driven tracking status.
func (s *Service) UpdateTracking(ctx context.Context, actor auth.Identity, orderID string, status store.TrackingStatus) (*Outcome, error) {
	if status.Rank() == 0 {
		return nil, ErrInvalidTracking
	}
	if err := s.authorize(ctx, orderID, sellerOnly(actor)); err != nil {
		return nil, err
	}

	key := lock.Key("order", "tracking", orderID)
	return s.transition(ctx, "tracking", key, orderID, func(ctx context.Context, tx store.Tx, o *store.Order, out *Outcome) error {
		if err := sellerOnly(actor)(o); err != nil {
			return err
		}
		if o.Status != store.OrderRunning {
			return ErrOrderNotRunning
		}
		if status.Rank() <= o.TrackingStatus().Rank() {
			return ErrTrackingRegression
		}
		o.Tracking = &status
		ev := notify.OrderEvent(notify.EventTrackingUpdated, o)
		ev.Data = map[string]any{"trackingStatus": status}
		out.events = append(out.events, ev)
		return nil
	})
}

// CancelByBuyer cancels an order the seller has not acknowledged yet and
// refunds the buyer.
func (s *Service) CancelByBuyer(ctx context.Context, actor auth.Identity, orderID, reason string) (*Outcome, error) {
	if err := s.authorize(ctx, orderID, buyerOnly(actor)); err != nil {
		return nil, err
	}

	key := lock.Key("order", "cancel", orderID)
	return s.transition(ctx, "cancel_buyer", key, orderID, func(ctx context.Context, tx store.Tx, o *store.Order, out *Outcome) error {
		if err := buyerOnly(actor)(o); err != nil {
			return err
		}
		if done, err := s.cancellable(o, out); done || err != nil {
			return err
		}
		if o.Tracking != nil {
			return ErrOrderLocked
		}
		return s.cancelTx(ctx, tx, o, out, actor.UserID, reason)
	})
}

// CancelBySeller cancels a running order at any tracking stage. Cancelling
// after acknowledgement costs the seller a strike.
func (s *Service) CancelBySeller(ctx context.Context, actor auth.Identity, orderID, reason string) (*Outcome, error) {
	if err := s.authorize(ctx, orderID, sellerOnly(actor)); err != nil {
		return nil, err
	}

	key := lock.Key("order", "cancel", orderID)
	return s.transition(ctx, "cancel_seller", key, orderID, func(ctx context.Context, tx store.Tx, o *store.Order, out *Outcome) error {
		if err := sellerOnly(actor)(o); err != nil {
			return err
		}
		if done, err := s.cancellable(o, out); done || err != nil {
			return err
		}
		late := o.Tracking != nil
		if err := s.cancelTx(ctx, tx, o, out, actor.UserID, reason); err != nil {
			return err
		}
		if late {
			return s.strikeTx(ctx, tx, o.SellerID, out)
		}
		return nil
	})
}

// CancelStalled cancels an order the seller never acknowledged, refunds the
// buyer and strikes the seller. It re-checks eligibility against cutoff and
// returns ErrNotStalled if the order moved on since it was listed.
func (s *Service) CancelStalled(ctx context.Context, orderID string, cutoff time.Time) (*Outcome, error) {
	key := lock.Key("sweeper", "cancel", orderID)
	return s.transition(ctx, "auto_cancel", key, orderID, func(ctx context.Context, tx store.Tx, o *store.Order, out *Outcome) error {
		if o.Status != store.OrderRunning || o.Tracking != nil || o.Dispute == store.DisputeOpen || !o.CreatedAt.Before(cutoff) {
			return ErrNotStalled
		}
		if err := s.cancelTx(ctx, tx, o, out, "system", ReasonAutoCancelled); err != nil {
			return err
		}
		return s.strikeTx(ctx, tx, o.SellerID, out)
	})
}

// cancellable reports a replay for cancelled orders and rejects orders that
// cannot be cancelled.
func (s *Service) cancellable(o *store.Order, out *Outcome) (replay bool, err error) {
	switch {
	case o.Status == store.OrderCancelled:
		out.AlreadyProcessed = true
		return true, nil
	case o.Status != store.OrderRunning:
		return false, ErrOrderNotRunning
	case o.Dispute == store.DisputeOpen:
		return false, ErrDisputeOpen
	}
	return false, nil
}

func (s *Service) cancelTx(ctx context.Context, tx store.Tx, o *store.Order, out *Outcome, by, reason string) error {
	now := s.now()
	o.Status = store.OrderCancelled
	o.CancelledAt = &now
	o.CancelledBy = by
	o.CancellationReason = reason

	res, err := s.ledger.RefundTx(ctx, tx, o)
	if err != nil {
		return err
	}
	out.record(res)
	if err := RestockTx(ctx, tx, o); err != nil {
		return err
	}
	out.events = append(out.events, notify.OrderEvent(notify.EventOrderCancelled, o))
	return nil
}

// strikeTx adds a strike and suspends the seller at the limit.
func (s *Service) strikeTx(ctx context.Context, tx store.Tx, sellerID string, out *Outcome) error {
	seller, err := tx.GetSeller(ctx, sellerID)
	if err != nil {
		return err
	}
	seller.Strikes++
	if !seller.Suspended && seller.Strikes >= s.strikeLimit {
		now := s.now()
		seller.Suspended = true
		seller.SuspendedAt = &now
		out.events = append(out.events, notify.Event{
			Type:       notify.EventSellerSuspended,
			Data:       map[string]any{"sellerId": sellerID, "strikes": seller.Strikes},
			Recipients: []string{sellerID},
		})
	}
	return tx.PutSeller(ctx, seller)
}

// RestockTx returns an order's quantities to product stock.
func RestockTx(ctx context.Context, tx store.Tx, o *store.Order) error {
	for _, item := range o.Items {
		p, err := tx.GetProduct(ctx, item.ProductID)
		if errors.Is(err, store.ErrProductNotFound) {
			continue // delisted since
		}
		if err != nil {
			return err
		}
		if err := tx.SetProductStock(ctx, p.ID, p.Stock+item.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// ConfirmDelivery marks an order delivered and releases escrow to the seller.
func (s *Service) ConfirmDelivery(ctx context.Context, actor auth.Identity, orderID string) (*Outcome, error) {
	if err := s.authorize(ctx, orderID, buyerOnly(actor)); err != nil {
		return nil, err
	}

	key := lock.Key("order", "confirm", orderID)
	return s.transition(ctx, "confirm", key, orderID, func(ctx context.Context, tx store.Tx, o *store.Order, out *Outcome) error {
		if err := buyerOnly(actor)(o); err != nil {
			return err
		}
		switch {
		case o.Status == store.OrderDelivered:
			out.AlreadyProcessed = true
			return nil
		case o.Status != store.OrderRunning:
			return ErrOrderNotRunning
		case o.Dispute == store.DisputeOpen:
			return ErrDisputeOpen
		case o.TrackingStatus() != store.TrackingReadyForPickup:
			return ErrNotReadyForPickup
		}

		now := s.now()
		o.Status = store.OrderDelivered
		o.DeliveredAt = &now

		res, err := s.ledger.ReleaseTx(ctx, tx, o)
		if err != nil {
			return err
		}
		out.record(res)

		// A completed delivery clears the consecutive strike count.
		seller, err := tx.GetSeller(ctx, o.SellerID)
		if err != nil {
			return err
		}
		if seller.Strikes > 0 {
			seller.Strikes = 0
			if err := tx.PutSeller(ctx, seller); err != nil {
				return err
			}
		}
		out.events = append(out.events, notify.OrderEvent(notify.EventOrderDelivered, o))
		return nil
	})
}

// OpenDispute flags a running order for staff review. While the dispute
// is open the order cannot be cancelled or confirmed.
func (s *Service) OpenDispute(ctx context.Context, actor auth.Identity, orderID, reason string) (*Outcome, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	if err := s.authorize(ctx, orderID, buyerOnly(actor)); err != nil {
		return nil, err
	}

	key := lock.Key("order", "dispute", orderID)
	return s.transition(ctx, "dispute", key, orderID, func(ctx context.Context, tx store.Tx, o *store.Order, out *Outcome) error {
		if err := buyerOnly(actor)(o); err != nil {
			return err
		}
		switch {
		case o.Dispute == store.DisputeOpen:
			out.AlreadyProcessed = true
			return nil
		case o.Dispute == store.DisputeResolved:
			return ErrDisputeClosed
		case o.Status != store.OrderRunning:
			return ErrOrderNotRunning
		}
		now := s.now()
		o.Dispute = store.DisputeOpen
		o.DisputeReason = reason
		o.DisputeOpenedAt = &now
		out.events = append(out.events, notify.OrderEvent(notify.EventDisputeOpened, o))
		return nil
	})
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.Component(ctx, s.logger)
}

func observe(action string, out *Outcome, err error) {
	result := "ok"
	switch {
	case err == nil && out != nil && out.AlreadyProcessed:
		result = "replay"
	case err == nil:
	case lock.IsHeld(err):
		result = "locked"
	case apperr.KindOf(err) == apperr.KindInternal:
		result = "error"
	default:
		result = "rejected"
	}
	metrics.OrderTransitionsTotal.WithLabelValues(action, result).Inc()
}
