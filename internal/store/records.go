// Package store holds the marketplace records (wallets, ledger transactions,
// orders, products, sellers, dispute resolutions) and the transactional
// store they are persisted through.
//
// Every mutation of a wallet or order goes through Store.Atomic: a callback
// reads the records it needs, validates them, and stages writes. Either all
// staged writes are committed or none are.
package store

import (
	"time"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/money"
)

// TxType is the direction of a ledger transaction.
type TxType string

const (
	TxCredit TxType = "credit"
	TxDebit  TxType = "debit"
)

// Category is the economic reason for a ledger transaction.
type Category string

const (
	CategoryDeposit       Category = "deposit"
	CategoryDebit         Category = "debit"
	CategoryOrderPayment  Category = "order_payment"
	CategoryEscrowRelease Category = "escrow_release"
	CategoryRefund        Category = "refund"
	CategoryWithdrawal    Category = "withdrawal"
	CategoryWithdrawalFee Category = "withdrawal_fee"
)

// TxStatus is the settlement state of a ledger transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

// Wallet is a user's balance. Balance is available funds; PendingBalance is
// informational (seller payouts held in escrow).
type Wallet struct {
	UserID         string    `json:"userId"`
	Balance        int64     `json:"balance"`
	PendingBalance int64     `json:"pendingBalance"`
	Currency       string    `json:"currency"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (w *Wallet) Validate() error {
	if w.UserID == "" {
		return apperr.Invalid("wallet: userId is required")
	}
	if w.Balance < 0 {
		return apperr.Invalid("wallet %s: balance must not be negative", w.UserID)
	}
	if w.PendingBalance < 0 {
		return apperr.Invalid("wallet %s: pending balance must not be negative", w.UserID)
	}
	return nil
}

// Transaction is an immutable ledger entry. ID is the idempotency reference.
type Transaction struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Type      TxType            `json:"type"`
	Category  Category          `json:"category"`
	Amount    int64             `json:"amount"`
	Status    TxStatus          `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (t *Transaction) Validate() error {
	switch {
	case t.ID == "":
		return apperr.Invalid("transaction: id is required")
	case t.UserID == "":
		return apperr.Invalid("transaction %s: userId is required", t.ID)
	case t.Type != TxCredit && t.Type != TxDebit:
		return apperr.Invalid("transaction %s: unknown type %q", t.ID, t.Type)
	case t.Category == "":
		return apperr.Invalid("transaction %s: category is required", t.ID)
	case t.Amount <= 0:
		return apperr.Invalid("transaction %s: amount must be positive", t.ID)
	}
	return nil
}

// OrderStatus is the top-level order state. Running is initial; delivered
// and cancelled are terminal.
type OrderStatus string

const (
	OrderRunning   OrderStatus = "running"
	OrderDelivered OrderStatus = "delivered"
	OrderCancelled OrderStatus = "cancelled"
)

// TrackingStatus is the seller-driven delivery sub-status.
type TrackingStatus string

const (
	TrackingAcknowledged   TrackingStatus = "acknowledged"
	TrackingEnroute        TrackingStatus = "enroute"
	TrackingReadyForPickup TrackingStatus = "ready_for_pickup"
)

// Rank orders tracking statuses; unknown values rank 0 like an unset status.
func (t TrackingStatus) Rank() int {
	switch t {
	case TrackingAcknowledged:
		return 1
	case TrackingEnroute:
		return 2
	case TrackingReadyForPickup:
		return 3
	}
	return 0
}

// DisputeStatus is the dispute sub-status.
type DisputeStatus string

const (
	DisputeNone     DisputeStatus = "none"
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Resolution is the outcome of a resolved dispute.
type Resolution string

const (
	ResolutionRelease Resolution = "release"
	ResolutionRefund  Resolution = "refund"
)

// LineItem is a product snapshot taken at order creation.
type LineItem struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int64  `json:"quantity"`
}

// Subtotal returns UnitPrice × Quantity. ok is false if either is
// negative or the product overflows.
func (li LineItem) Subtotal() (sub int64, ok bool) {
	return money.Mul(li.UnitPrice, li.Quantity)
}

// Order is the unit of escrow.
type Order struct {
	ID          string          `json:"id"`
	BuyerID     string          `json:"buyerId"`
	SellerID    string          `json:"sellerId"`
	BundleID    string          `json:"bundleId,omitempty"`
	Items       []LineItem      `json:"products"`
	TotalAmount int64           `json:"totalAmount"`
	Commission  int64           `json:"commission"`
	Currency    string          `json:"currency"`
	Status      OrderStatus     `json:"status"`
	Tracking    *TrackingStatus `json:"trackingStatus"`
	Dispute     DisputeStatus   `json:"disputeStatus"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`

	DisputeReason   string     `json:"disputeReason,omitempty"`
	DisputeOpenedAt *time.Time `json:"disputeOpenedAt,omitempty"`

	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	CancelledBy        string     `json:"cancelledBy,omitempty"`
	CancellationReason string     `json:"cancellationReason,omitempty"`

	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`

	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	Resolution     Resolution `json:"resolution,omitempty"`
	ResolutionNote string     `json:"resolutionNote,omitempty"`
}

// TrackingStatus returns the current tracking status, "" when unset.
func (o *Order) TrackingStatus() TrackingStatus {
	if o.Tracking == nil {
		return ""
	}
	return *o.Tracking
}

// SellerPayout is the amount credited to the seller on release.
func (o *Order) SellerPayout() int64 {
	return o.TotalAmount - o.Commission
}

// IsTerminal reports whether the order can no longer change status.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderDelivered || o.Status == OrderCancelled
}

func (o *Order) Validate() error {
	switch {
	case o.ID == "":
		return apperr.Invalid("order: id is required")
	case o.BuyerID == "" || o.SellerID == "":
		return apperr.Invalid("order %s: buyer and seller are required", o.ID)
	case len(o.Items) == 0:
		return apperr.Invalid("order %s: at least one line item is required", o.ID)
	case o.TotalAmount <= 0:
		return apperr.Invalid("order %s: total must be positive", o.ID)
	case o.Commission < 0 || o.Commission > o.TotalAmount:
		return apperr.Invalid("order %s: commission out of range", o.ID)
	}
	var sum int64
	for _, li := range o.Items {
		// A deep discount can round a unit price down to zero.
		if li.Quantity <= 0 || li.UnitPrice < 0 {
			return apperr.Invalid("order %s: line item %s has a non-positive quantity or negative price", o.ID, li.ProductID)
		}
		sub, ok := li.Subtotal()
		if ok {
			sum, ok = money.Add(sum, sub)
		}
		if !ok {
			return apperr.Invalid("order %s: line items overflow", o.ID)
		}
	}
	if sum != o.TotalAmount {
		return apperr.Invalid("order %s: total %d does not match line items %d", o.ID, o.TotalAmount, sum)
	}
	switch o.Status {
	case OrderRunning, OrderDelivered, OrderCancelled:
	default:
		return apperr.Invalid("order %s: unknown status %q", o.ID, o.Status)
	}
	if o.Tracking != nil && o.Tracking.Rank() == 0 {
		return apperr.Invalid("order %s: unknown tracking status %q", o.ID, *o.Tracking)
	}
	switch o.Dispute {
	case DisputeNone, DisputeOpen, DisputeResolved:
	default:
		return apperr.Invalid("order %s: unknown dispute status %q", o.ID, o.Dispute)
	}
	return nil
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	cp := *o
	cp.Items = append([]LineItem(nil), o.Items...)
	cp.Tracking = clonePtr(o.Tracking)
	cp.DisputeOpenedAt = clonePtr(o.DisputeOpenedAt)
	cp.CancelledAt = clonePtr(o.CancelledAt)
	cp.DeliveredAt = clonePtr(o.DeliveredAt)
	cp.ResolvedAt = clonePtr(o.ResolvedAt)
	return &cp
}

// Product is the catalog slice the order flow needs: price and stock.
type Product struct {
	ID              string    `json:"id"`
	SellerID        string    `json:"sellerId"`
	Name            string    `json:"name"`
	Price           int64     `json:"price"`
	DiscountPercent int64     `json:"discountPercent,omitempty"`
	Stock           int64     `json:"stock"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (p *Product) Validate() error {
	switch {
	case p.ID == "" || p.SellerID == "":
		return apperr.Invalid("product: id and sellerId are required")
	case p.Price <= 0:
		return apperr.Invalid("product %s: price must be positive", p.ID)
	case p.DiscountPercent < 0 || p.DiscountPercent >= 100:
		return apperr.Invalid("product %s: discount must be in [0, 100)", p.ID)
	case p.Stock < 0:
		return apperr.Invalid("product %s: stock must not be negative", p.ID)
	}
	return nil
}

// Seller tracks the strike counter and suspension flag.
type Seller struct {
	UserID      string     `json:"userId"`
	Strikes     int        `json:"strikes"`
	Suspended   bool       `json:"suspended"`
	SuspendedAt *time.Time `json:"suspendedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// DisputeResolution is the immutable audit entry for a resolved dispute.
type DisputeResolution struct {
	OrderID    string     `json:"orderId"`
	Resolution Resolution `json:"resolution"`
	AdminID    string     `json:"adminId"`
	Note       string     `json:"note,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// EscrowMismatch is a user whose pendingBalance disagrees with the payouts
// of the running orders they sell.
type EscrowMismatch struct {
	UserID  string `json:"userId"`
	Pending int64  `json:"pendingBalance"`
	Held    int64  `json:"heldPayouts"`
}

// Drift is how far pendingBalance sits above the held payouts.
func (e EscrowMismatch) Drift() int64 { return e.Pending - e.Held }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
