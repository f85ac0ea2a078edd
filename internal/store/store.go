package store

import (
	"context"
	"time"

	"github.com/mbd888/bazaar/internal/apperr"
)

var (
	ErrWalletNotFound      = apperr.New(apperr.KindNotFound, "WALLET_NOT_FOUND", "wallet not found")
	ErrOrderNotFound       = apperr.New(apperr.KindNotFound, "ORDER_NOT_FOUND", "order not found")
	ErrProductNotFound     = apperr.New(apperr.KindNotFound, "PRODUCT_NOT_FOUND", "product not found")
	ErrResolutionNotFound  = apperr.New(apperr.KindNotFound, "RESOLUTION_NOT_FOUND", "dispute resolution not found")
	ErrTransactionNotFound = apperr.New(apperr.KindNotFound, "TRANSACTION_NOT_FOUND", "transaction not found")
	ErrWalletExists        = apperr.New(apperr.KindConflict, "WALLET_EXISTS", "wallet already exists")
	ErrOrderExists         = apperr.New(apperr.KindConflict, "ORDER_EXISTS", "order already exists")
	ErrDuplicateReference  = apperr.New(apperr.KindConflict, "DUPLICATE_REFERENCE", "transaction reference already recorded")
	ErrResolutionExists    = apperr.New(apperr.KindConflict, "RESOLUTION_EXISTS", "dispute already has a resolution record")
)

// Tx is the read/write surface available inside one atomic commit.
// Reads observe the commit's own staged writes.
type Tx interface {
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	PutWallet(ctx context.Context, w *Wallet) error

	TransactionExists(ctx context.Context, id string) (bool, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	InsertTransaction(ctx context.Context, t *Transaction) error
	// SumDebits totals a user's debits in a category since the given time.
	SumDebits(ctx context.Context, userID string, category Category, since time.Time) (int64, error)

	GetOrder(ctx context.Context, id string) (*Order, error)
	InsertOrder(ctx context.Context, o *Order) error
	UpdateOrder(ctx context.Context, o *Order) error

	GetProduct(ctx context.Context, id string) (*Product, error)
	SetProductStock(ctx context.Context, id string, stock int64) error

	// GetSeller returns a zero-strike record for sellers never penalized.
	GetSeller(ctx context.Context, userID string) (*Seller, error)
	PutSeller(ctx context.Context, s *Seller) error

	InsertDisputeResolution(ctx context.Context, r *DisputeResolution) error
}

// TxFunc is the body of an atomic commit. Returning an error discards every
// staged write. It may be invoked more than once when the store retries a
// conflicting commit, so it must not have side effects outside tx.
type TxFunc func(ctx context.Context, tx Tx) error

// Store persists marketplace records.
type Store interface {
	Atomic(ctx context.Context, fn TxFunc) error

	CreateWallet(ctx context.Context, userID, currency string) (*Wallet, error)
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)

	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*Order, error)
	// ListStalledOrders returns running orders with no tracking status and
	// no open dispute created before the cutoff, oldest first.
	ListStalledOrders(ctx context.Context, before time.Time, limit int) ([]*Order, error)

	UpsertProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id string) (*Product, error)
	GetSeller(ctx context.Context, userID string) (*Seller, error)
	GetDisputeResolution(ctx context.Context, orderID string) (*DisputeResolution, error)

	// ListEscrowMismatches compares every pendingBalance against the sum of
	// seller payouts on running orders and returns the users that disagree.
	ListEscrowMismatches(ctx context.Context) ([]EscrowMismatch, error)

	Ping(ctx context.Context) error
}
