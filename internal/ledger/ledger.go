// Package ledger moves money between wallets.
//
// Every movement is a Transaction whose id is the caller's idempotency
// reference. Credit and Debit are safe to retry: a reference that is
// already recorded returns AlreadyProcessed and leaves balances alone.
//
// Escrow flow:
//  1. Order created: buyer debited (Hold), seller pendingBalance raised
//  2. Delivery confirmed: seller credited total minus commission (Release)
//  3. Order cancelled: buyer credited the full total (Refund)
//
// The commission withheld on release is not credited to any account.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/lock"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/money"
	"github.com/mbd888/bazaar/internal/store"
	"github.com/mbd888/bazaar/internal/traces"
)

var (
	ErrInvalidAmount      = apperr.New(apperr.KindValidation, "INVALID_AMOUNT", "amount must be a positive whole number")
	ErrInvalidReference   = apperr.New(apperr.KindValidation, "INVALID_REFERENCE", "reference is required")
	ErrInsufficientFunds  = apperr.New(apperr.KindInsufficientFunds, "INSUFFICIENT_FUNDS", "insufficient funds")
	ErrDailyLimitExceeded = apperr.New(apperr.KindValidation, "DAILY_LIMIT_EXCEEDED", "daily withdrawal limit exceeded")
)

// DefaultDailyWithdrawalLimit caps withdrawals per user over a rolling 24h.
const DefaultDailyWithdrawalLimit int64 = 500_000

// Posting describes one side of a money movement.
type Posting struct {
	UserID    string
	Amount    int64
	Reference string
	Category  store.Category
	Metadata  map[string]string
}

func (p Posting) validate() error {
	if p.UserID == "" {
		return apperr.Invalid("userId is required")
	}
	if p.Amount <= 0 {
		return ErrInvalidAmount
	}
	if p.Reference == "" {
		return ErrInvalidReference
	}
	return nil
}

// Result is what a ledger call produced. On a replay Transaction is nil and
// Wallet holds the current state.
type Result struct {
	Transaction      *store.Transaction `json:"transaction,omitempty"`
	Wallet           *store.Wallet      `json:"wallet,omitempty"`
	AlreadyProcessed bool               `json:"alreadyProcessed"`
}

// Ledger applies idempotent credits and debits through a store.
type Ledger struct {
	store      store.Store
	locker     lock.Locker
	lockTTL    time.Duration
	currency   string
	dailyLimit int64
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithLockTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.lockTTL = ttl }
}

func WithCurrency(currency string) Option {
	return func(l *Ledger) { l.currency = currency }
}

func WithDailyWithdrawalLimit(limit int64) Option {
	return func(l *Ledger) { l.dailyLimit = limit }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a ledger.
func New(s store.Store, locker lock.Locker, opts ...Option) *Ledger {
	l := &Ledger{
		store:      s,
		locker:     locker,
		lockTTL:    lock.DefaultTTL,
		currency:   "NGN",
		dailyLimit: DefaultDailyWithdrawalLimit,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Currency is the currency new wallets are opened in.
func (l *Ledger) Currency() string {
	return l.currency
}

// Credit adds amount to the user's wallet, opening the wallet if needed.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reference string, metadata map[string]string) (*Result, error) {
	p := Posting{UserID: userID, Amount: amount, Reference: reference, Category: store.CategoryDeposit, Metadata: metadata}
	return l.post(ctx, "credit", p, l.CreditTx)
}

// Debit removes amount from the user's wallet. It fails with
// ErrInsufficientFunds rather than let the balance go negative.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, reference string, metadata map[string]string) (*Result, error) {
	p := Posting{UserID: userID, Amount: amount, Reference: reference, Category: store.CategoryDebit, Metadata: metadata}
	return l.post(ctx, "debit", p, l.DebitTx)
}

// Post applies a credit or debit with an explicit category.
func (l *Ledger) Post(ctx context.Context, typ store.TxType, p Posting) (*Result, error) {
	if typ == store.TxDebit {
		return l.post(ctx, "debit", p, l.DebitTx)
	}
	return l.post(ctx, "credit", p, l.CreditTx)
}

type txPoster func(ctx context.Context, tx store.Tx, p Posting) (*Result, error)

// post validates, locks ledger:<reference> and runs one commit.
func (l *Ledger) post(ctx context.Context, op string, p Posting, apply txPoster) (res *Result, err error) {
	defer observeOp(op)()
	ctx, span := traces.StartSpan(ctx, "ledger."+op,
		traces.UserID(p.UserID), traces.Amount(p.Amount), traces.Reference(p.Reference))
	defer func() { traces.End(span, err) }()

	if err := p.validate(); err != nil {
		return nil, err
	}

	err = lock.WithLock(ctx, l.locker, lock.Key("ledger", p.Reference), l.lockTTL, func(ctx context.Context) error {
		return l.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
			r, err := apply(ctx, tx, p)
			res = r
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	Observe(res)
	l.log(ctx).Info("ledger posting",
		"op", op, "user", p.UserID, "amount", p.Amount, "reference", p.Reference,
		"already_processed", res.AlreadyProcessed)
	return res, nil
}

// CreditTx is Credit inside a caller's commit. The caller holds whatever
// lock guards the reference.
func (l *Ledger) CreditTx(ctx context.Context, tx store.Tx, p Posting) (*Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if r, done, err := l.replayed(ctx, tx, p); done || err != nil {
		return r, err
	}

	w, err := tx.GetWallet(ctx, p.UserID)
	if errors.Is(err, store.ErrWalletNotFound) {
		w = &store.Wallet{UserID: p.UserID, Currency: l.currency}
	} else if err != nil {
		return nil, err
	}
	if w.Balance > math.MaxInt64-p.Amount {
		return nil, ErrInvalidAmount
	}
	w.Balance += p.Amount
	return l.write(ctx, tx, w, store.TxCredit, p)
}

// DebitTx is Debit inside a caller's commit.
func (l *Ledger) DebitTx(ctx context.Context, tx store.Tx, p Posting) (*Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if r, done, err := l.replayed(ctx, tx, p); done || err != nil {
		return r, err
	}

	w, err := tx.GetWallet(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if w.Balance < p.Amount {
		return nil, ErrInsufficientFunds
	}
	w.Balance -= p.Amount
	return l.write(ctx, tx, w, store.TxDebit, p)
}

func (l *Ledger) replayed(ctx context.Context, tx store.Tx, p Posting) (*Result, bool, error) {
	exists, err := tx.TransactionExists(ctx, p.Reference)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	w, err := tx.GetWallet(ctx, p.UserID)
	if err != nil && !errors.Is(err, store.ErrWalletNotFound) {
		return nil, false, err
	}
	return &Result{Wallet: w, AlreadyProcessed: true}, true, nil
}

func (l *Ledger) write(ctx context.Context, tx store.Tx, w *store.Wallet, typ store.TxType, p Posting) (*Result, error) {
	if err := tx.PutWallet(ctx, w); err != nil {
		return nil, err
	}
	category := p.Category
	if category == "" {
		category = store.CategoryDeposit
		if typ == store.TxDebit {
			category = store.CategoryDebit
		}
	}
	t := &store.Transaction{
		ID:        p.Reference,
		UserID:    p.UserID,
		Type:      typ,
		Category:  category,
		Amount:    p.Amount,
		Status:    store.TxCompleted,
		Timestamp: l.now(),
		Metadata:  p.Metadata,
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, err
	}
	return &Result{Transaction: t, Wallet: w}, nil
}

// AdjustPendingTx moves the informational pendingBalance by delta, clamped
// at zero. The wallet is opened if it does not exist yet.
func (l *Ledger) AdjustPendingTx(ctx context.Context, tx store.Tx, userID string, delta int64) (*store.Wallet, error) {
	w, err := tx.GetWallet(ctx, userID)
	if errors.Is(err, store.ErrWalletNotFound) {
		w = &store.Wallet{UserID: userID, Currency: l.currency}
	} else if err != nil {
		return nil, err
	}
	w.PendingBalance += delta
	if w.PendingBalance < 0 {
		w.PendingBalance = 0
	}
	if err := tx.PutWallet(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Escrow references. Each settles an order at most once.

func HoldReference(id string) string    { return "hold:" + id }
func ReleaseReference(id string) string { return "release:" + id }
func RefundReference(id string) string  { return "refund:" + id }

// Hold is an escrow hold whose wallets have been read and checked but not
// yet written. Callers that stage their own writes in the same commit
// prepare the hold before any of them and apply it afterwards.
type Hold struct {
	posting Posting
	buyer   *store.Wallet
	// sellers in first-seen order; a seller with several orders appears once.
	sellers []*store.Wallet
	replay  *Result
}

// PrepareHoldTx reads the buyer and seller wallets for a hold on orders
// paid together and computes their new balances. It writes nothing.
// reference is HoldReference of the order or bundle id.
func (l *Ledger) PrepareHoldTx(ctx context.Context, tx store.Tx, reference string, orders ...*store.Order) (*Hold, error) {
	if len(orders) == 0 {
		return nil, apperr.Invalid("hold: no orders")
	}
	var total int64
	for _, o := range orders {
		var ok bool
		if total, ok = money.Add(total, o.TotalAmount); !ok {
			return nil, ErrInvalidAmount
		}
	}
	h := &Hold{posting: Posting{
		UserID:    orders[0].BuyerID,
		Amount:    total,
		Reference: reference,
		Category:  store.CategoryOrderPayment,
		Metadata:  escrowMeta(orders...),
	}}
	if err := h.posting.validate(); err != nil {
		return nil, err
	}
	r, done, err := l.replayed(ctx, tx, h.posting)
	if err != nil {
		return nil, err
	}
	if done {
		h.replay = r
		return h, nil
	}

	buyer, err := tx.GetWallet(ctx, h.posting.UserID)
	if err != nil {
		return nil, err
	}
	if buyer.Balance < total {
		return nil, ErrInsufficientFunds
	}
	buyer.Balance -= total
	h.buyer = buyer

	seen := map[string]*store.Wallet{buyer.UserID: buyer}
	for _, o := range orders {
		w, ok := seen[o.SellerID]
		if !ok {
			w, err = tx.GetWallet(ctx, o.SellerID)
			if errors.Is(err, store.ErrWalletNotFound) {
				w = &store.Wallet{UserID: o.SellerID, Currency: l.currency}
			} else if err != nil {
				return nil, err
			}
			seen[o.SellerID] = w
			h.sellers = append(h.sellers, w)
		}
		if w.PendingBalance, ok = money.Add(w.PendingBalance, o.SellerPayout()); !ok {
			return nil, ErrInvalidAmount
		}
	}
	return h, nil
}

// ApplyHoldTx stages the writes of a prepared hold in the commit it was
// prepared in.
func (l *Ledger) ApplyHoldTx(ctx context.Context, tx store.Tx, h *Hold) (*Result, error) {
	if h.replay != nil {
		return h.replay, nil
	}
	res, err := l.write(ctx, tx, h.buyer, store.TxDebit, h.posting)
	if err != nil {
		return nil, err
	}
	for _, w := range h.sellers {
		if err := tx.PutWallet(ctx, w); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// HoldTx debits the buyer for one or more orders paid together and raises
// each seller's pendingBalance by their payout.
func (l *Ledger) HoldTx(ctx context.Context, tx store.Tx, reference string, orders ...*store.Order) (*Result, error) {
	h, err := l.PrepareHoldTx(ctx, tx, reference, orders...)
	if err != nil {
		return nil, err
	}
	return l.ApplyHoldTx(ctx, tx, h)
}

// ReleaseTx credits the seller total minus commission and drops the payout
// from their pendingBalance. The caller must have checked the order is
// still releasable inside the same commit.
func (l *Ledger) ReleaseTx(ctx context.Context, tx store.Tx, o *store.Order) (*Result, error) {
	payout := o.SellerPayout()
	var res *Result
	if payout > 0 {
		var err error
		res, err = l.CreditTx(ctx, tx, Posting{
			UserID:    o.SellerID,
			Amount:    payout,
			Reference: ReleaseReference(o.ID),
			Category:  store.CategoryEscrowRelease,
			Metadata: map[string]string{
				"orderId":    o.ID,
				"commission": fmt.Sprint(o.Commission),
			},
		})
		if err != nil {
			return nil, err
		}
		if res.AlreadyProcessed {
			return res, nil
		}
	}
	w, err := l.AdjustPendingTx(ctx, tx, o.SellerID, -payout)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{}
	}
	res.Wallet = w
	return res, nil
}

// RefundTx credits the buyer the full total and drops the seller's pending
// payout.
func (l *Ledger) RefundTx(ctx context.Context, tx store.Tx, o *store.Order) (*Result, error) {
	res, err := l.CreditTx(ctx, tx, Posting{
		UserID:    o.BuyerID,
		Amount:    o.TotalAmount,
		Reference: RefundReference(o.ID),
		Category:  store.CategoryRefund,
		Metadata:  map[string]string{"orderId": o.ID},
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}
	if _, err := l.AdjustPendingTx(ctx, tx, o.SellerID, -o.SellerPayout()); err != nil {
		return nil, err
	}
	return res, nil
}

func escrowMeta(orders ...*store.Order) map[string]string {
	if len(orders) == 1 {
		return map[string]string{"orderId": orders[0].ID}
	}
	return map[string]string{
		"bundleId":   orders[0].BundleID,
		"orderCount": fmt.Sprint(len(orders)),
	}
}

// FeeReference is the reference of the fee charged on a withdrawal.
func FeeReference(withdrawal string) string { return withdrawal + ":fee" }

// WithdrawResult is the outcome of a withdrawal.
type WithdrawResult struct {
	Result
	Fee int64 `json:"fee"`
}

// Withdraw debits amount plus the tiered fee as two transactions in one
// commit: reference (category withdrawal) and reference+":fee" (category
// withdrawal_fee). Withdrawals over the last 24h may not exceed the daily
// limit.
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount int64, reference string) (res *WithdrawResult, err error) {
	defer observeOp("withdraw")()
	ctx, span := traces.StartSpan(ctx, "ledger.withdraw",
		traces.UserID(userID), traces.Amount(amount), traces.Reference(reference))
	defer func() { traces.End(span, err) }()

	p := Posting{UserID: userID, Amount: amount, Reference: reference, Category: store.CategoryWithdrawal}
	if err := p.validate(); err != nil {
		return nil, err
	}
	fee := money.WithdrawalFee(amount)

	err = lock.WithLock(ctx, l.locker, lock.Key("ledger", reference), l.lockTTL, func(ctx context.Context) error {
		return l.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
			res = &WithdrawResult{Fee: fee}
			r, done, err := l.replayed(ctx, tx, p)
			if err != nil {
				return err
			}
			if done {
				// Report the fee actually charged, not today's tier.
				res.Result = *r
				recorded, err := tx.GetTransaction(ctx, FeeReference(reference))
				switch {
				case errors.Is(err, store.ErrTransactionNotFound):
					res.Fee = 0
				case err != nil:
					return err
				default:
					res.Fee = recorded.Amount
				}
				return nil
			}

			spent, err := tx.SumDebits(ctx, userID, store.CategoryWithdrawal, l.now().Add(-24*time.Hour))
			if err != nil {
				return err
			}
			if spent+amount > l.dailyLimit {
				return ErrDailyLimitExceeded
			}

			w, err := tx.GetWallet(ctx, userID)
			if err != nil {
				return err
			}
			if w.Balance < amount+fee {
				return ErrInsufficientFunds
			}

			debit, err := l.DebitTx(ctx, tx, p)
			if err != nil {
				return err
			}
			feeRes, err := l.DebitTx(ctx, tx, Posting{
				UserID:    userID,
				Amount:    fee,
				Reference: FeeReference(reference),
				Category:  store.CategoryWithdrawalFee,
				Metadata:  map[string]string{"withdrawal": reference},
			})
			if err != nil {
				return err
			}
			res.Result = Result{Transaction: debit.Transaction, Wallet: feeRes.Wallet}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	Observe(&res.Result)
	l.log(ctx).Info("withdrawal",
		"user", userID, "amount", amount, "fee", res.Fee, "reference", reference,
		"already_processed", res.AlreadyProcessed)
	return res, nil
}

// GetWallet returns a user's wallet.
func (l *Ledger) GetWallet(ctx context.Context, userID string) (*store.Wallet, error) {
	return l.store.GetWallet(ctx, userID)
}

// OpenWallet creates an empty wallet at signup.
func (l *Ledger) OpenWallet(ctx context.Context, userID string) (*store.Wallet, error) {
	return l.store.CreateWallet(ctx, userID, l.currency)
}

// History returns a user's transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*store.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.store.ListTransactions(ctx, userID, limit)
}

func (l *Ledger) log(ctx context.Context) *slog.Logger {
	return logging.Component(ctx, l.logger)
}
