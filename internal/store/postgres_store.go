package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/bazaar/internal/retry"
)

// PostgreSQL error codes the store reacts to.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
	pqCheckViolation       = "23514"
)

// PostgresStore implements Store with PostgreSQL. Atomic commits run at
// SERIALIZABLE isolation, lock the rows they read with FOR UPDATE and are
// retried when PostgreSQL aborts them with a serialization failure.
type PostgresStore struct {
	db     *sql.DB
	policy retry.Policy
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	policy := retry.DefaultPolicy
	policy.Retryable = IsSerializationFailure
	return &PostgresStore{db: db, policy: policy}
}

// WithRetryPolicy overrides the conflict-retry policy.
func (p *PostgresStore) WithRetryPolicy(policy retry.Policy) *PostgresStore {
	if policy.Retryable == nil {
		policy.Retryable = IsSerializationFailure
	}
	p.policy = policy
	return p
}

// IsSerializationFailure reports whether err is a transient conflict that a
// fresh attempt of the same commit may not hit.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pqSerializationFailure || pqErr.Code == pqDeadlockDetected
}

func (p *PostgresStore) Atomic(ctx context.Context, fn TxFunc) error {
	return retry.Do(ctx, p.policy, func() error {
		return p.atomicOnce(ctx, fn)
	})
}

func (p *PostgresStore) atomicOnce(ctx context.Context, fn TxFunc) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &pgTx{q: tx, lock: " FOR UPDATE"}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// reader runs the same queries as a commit, without row locks.
func (p *PostgresStore) reader() *pgTx {
	return &pgTx{q: p.db}
}

func (p *PostgresStore) CreateWallet(ctx context.Context, userID, currency string) (*Wallet, error) {
	w := &Wallet{UserID: userID, Currency: currency}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO wallets (user_id, balance, pending_balance, currency, updated_at)
		VALUES ($1, 0, 0, $2, NOW())
		RETURNING updated_at`, userID, currency).Scan(&w.UpdatedAt)
	if err != nil {
		if isCode(err, pqUniqueViolation) {
			return nil, ErrWalletExists
		}
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return w, nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	return p.reader().GetWallet(ctx, userID)
}

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	return p.reader().GetOrder(ctx, id)
}

func (p *PostgresStore) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

func (p *PostgresStore) ListStalledOrders(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'running'
		  AND tracking_status IS NULL
		  AND dispute_status <> 'open'
		  AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stalled orders: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

func (p *PostgresStore) UpsertProduct(ctx context.Context, pr *Product) error {
	if err := pr.Validate(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO products (id, seller_id, name, price, discount_percent, stock, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			seller_id        = EXCLUDED.seller_id,
			name             = EXCLUDED.name,
			price            = EXCLUDED.price,
			discount_percent = EXCLUDED.discount_percent,
			stock            = EXCLUDED.stock,
			updated_at       = NOW()`,
		pr.ID, pr.SellerID, pr.Name, pr.Price, pr.DiscountPercent, pr.Stock)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	return p.reader().GetProduct(ctx, id)
}

func (p *PostgresStore) GetSeller(ctx context.Context, userID string) (*Seller, error) {
	return p.reader().GetSeller(ctx, userID)
}

func (p *PostgresStore) GetDisputeResolution(ctx context.Context, orderID string) (*DisputeResolution, error) {
	r := &DisputeResolution{}
	var resolution string
	var note sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT order_id, resolution, admin_id, note, created_at
		FROM dispute_resolutions WHERE order_id = $1`, orderID).
		Scan(&r.OrderID, &resolution, &r.AdminID, &note, &r.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResolutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispute resolution: %w", err)
	}
	r.Resolution = Resolution(resolution)
	r.Note = note.String
	return r, nil
}

func (p *PostgresStore) ListEscrowMismatches(ctx context.Context) ([]EscrowMismatch, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT COALESCE(w.user_id, h.seller_id),
		       COALESCE(w.pending_balance, 0),
		       COALESCE(h.held, 0)
		FROM wallets w
		FULL OUTER JOIN (
			SELECT seller_id, SUM(total_amount - commission) AS held
			FROM orders
			WHERE status = 'running'
			GROUP BY seller_id
		) h ON h.seller_id = w.user_id
		WHERE COALESCE(w.pending_balance, 0) <> COALESCE(h.held, 0)
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list escrow mismatches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []EscrowMismatch
	for rows.Next() {
		var m EscrowMismatch
		if err := rows.Scan(&m.UserID, &m.Pending, &m.Held); err != nil {
			return nil, fmt.Errorf("scan escrow mismatch: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// pgTx implements Tx. lock is appended to single-row reads inside a commit.
type pgTx struct {
	q    querier
	lock string
}

func (t *pgTx) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{}
	err := t.q.QueryRowContext(ctx, `
		SELECT user_id, balance, pending_balance, currency, updated_at
		FROM wallets WHERE user_id = $1`+t.lock, userID).
		Scan(&w.UserID, &w.Balance, &w.PendingBalance, &w.Currency, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

func (t *pgTx) PutWallet(ctx context.Context, w *Wallet) error {
	if err := w.Validate(); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance, pending_balance, currency, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			balance         = EXCLUDED.balance,
			pending_balance = EXCLUDED.pending_balance,
			updated_at      = NOW()`,
		w.UserID, w.Balance, w.PendingBalance, w.Currency)
	if err != nil {
		return fmt.Errorf("put wallet: %w", err)
	}
	return nil
}

func (t *pgTx) TransactionExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := t.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_transactions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check transaction: %w", err)
	}
	return exists, nil
}

func (t *pgTx) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	txn, err := scanTransaction(t.q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return txn, nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	if err := txn.Validate(); err != nil {
		return err
	}
	meta, err := json.Marshal(txn.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	ts := txn.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, user_id, type, category, amount, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		txn.ID, txn.UserID, string(txn.Type), string(txn.Category), txn.Amount,
		string(txn.Status), meta, ts)
	if err != nil {
		if isCode(err, pqUniqueViolation) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (t *pgTx) SumDebits(ctx context.Context, userID string, category Category, since time.Time) (int64, error) {
	var total int64
	err := t.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_transactions
		WHERE user_id = $1 AND type = 'debit' AND category = $2 AND created_at >= $3`,
		userID, string(category), since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum debits: %w", err)
	}
	return total, nil
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`+t.lock, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO orders (
			id, buyer_id, seller_id, bundle_id, items, total_amount, commission, currency,
			status, tracking_status, dispute_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.BuyerID, o.SellerID, nullString(o.BundleID), items, o.TotalAmount, o.Commission,
		o.Currency, string(o.Status), nullTracking(o.Tracking), string(o.Dispute),
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if isCode(err, pqUniqueViolation) {
			return ErrOrderExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrder writes the mutable fields. Items, amounts and parties are
// fixed at creation.
func (t *pgTx) UpdateOrder(ctx context.Context, o *Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	result, err := t.q.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, tracking_status = $2, dispute_status = $3,
			dispute_reason = $4, dispute_opened_at = $5,
			cancelled_at = $6, cancelled_by = $7, cancellation_reason = $8,
			delivered_at = $9,
			resolved_at = $10, resolved_by = $11, resolution = $12, resolution_note = $13,
			updated_at = $14
		WHERE id = $15`,
		string(o.Status), nullTracking(o.Tracking), string(o.Dispute),
		nullString(o.DisputeReason), nullTime(o.DisputeOpenedAt),
		nullTime(o.CancelledAt), nullString(o.CancelledBy), nullString(o.CancellationReason),
		nullTime(o.DeliveredAt),
		nullTime(o.ResolvedAt), nullString(o.ResolvedBy), nullString(string(o.Resolution)), nullString(o.ResolutionNote),
		o.UpdatedAt, o.ID)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) GetProduct(ctx context.Context, id string) (*Product, error) {
	p := &Product{}
	err := t.q.QueryRowContext(ctx, `
		SELECT id, seller_id, name, price, discount_percent, stock, updated_at
		FROM products WHERE id = $1`+t.lock, id).
		Scan(&p.ID, &p.SellerID, &p.Name, &p.Price, &p.DiscountPercent, &p.Stock, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (t *pgTx) SetProductStock(ctx context.Context, id string, stock int64) error {
	result, err := t.q.ExecContext(ctx,
		`UPDATE products SET stock = $1, updated_at = NOW() WHERE id = $2`, stock, id)
	if err != nil {
		if isCode(err, pqCheckViolation) {
			return fmt.Errorf("product %s: stock must not be negative: %w", id, err)
		}
		return fmt.Errorf("set product stock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (t *pgTx) GetSeller(ctx context.Context, userID string) (*Seller, error) {
	s := &Seller{UserID: userID}
	var suspendedAt sql.NullTime
	err := t.q.QueryRowContext(ctx, `
		SELECT strikes, suspended, suspended_at, updated_at
		FROM sellers WHERE user_id = $1`+t.lock, userID).
		Scan(&s.Strikes, &s.Suspended, &suspendedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get seller: %w", err)
	}
	if suspendedAt.Valid {
		s.SuspendedAt = &suspendedAt.Time
	}
	return s, nil
}

func (t *pgTx) PutSeller(ctx context.Context, s *Seller) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO sellers (user_id, strikes, suspended, suspended_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			strikes      = EXCLUDED.strikes,
			suspended    = EXCLUDED.suspended,
			suspended_at = EXCLUDED.suspended_at,
			updated_at   = NOW()`,
		s.UserID, s.Strikes, s.Suspended, nullTime(s.SuspendedAt))
	if err != nil {
		return fmt.Errorf("put seller: %w", err)
	}
	return nil
}

func (t *pgTx) InsertDisputeResolution(ctx context.Context, r *DisputeResolution) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO dispute_resolutions (order_id, resolution, admin_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.OrderID, string(r.Resolution), r.AdminID, nullString(r.Note), r.Timestamp)
	if err != nil {
		if isCode(err, pqUniqueViolation) {
			return ErrResolutionExists
		}
		return fmt.Errorf("insert dispute resolution: %w", err)
	}
	return nil
}

const transactionColumns = `id, user_id, type, category, amount, status, metadata, created_at`

const orderColumns = `id, buyer_id, seller_id, bundle_id, items, total_amount, commission, currency,
		status, tracking_status, dispute_status, dispute_reason, dispute_opened_at,
		cancelled_at, cancelled_by, cancellation_reason, delivered_at,
		resolved_at, resolved_by, resolution, resolution_note, created_at, updated_at`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var typ, category, status string
	var meta []byte
	if err := s.Scan(&t.ID, &t.UserID, &typ, &category, &t.Amount, &status, &meta, &t.Timestamp); err != nil {
		return nil, err
	}
	t.Type = TxType(typ)
	t.Category = Category(category)
	t.Status = TxStatus(status)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &t.Metadata)
	}
	return t, nil
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		bundleID, tracking, disputeReason     sql.NullString
		cancelledBy, cancellationReason       sql.NullString
		resolvedBy, resolution, resolutionNote sql.NullString
		disputeOpenedAt, cancelledAt          sql.NullTime
		deliveredAt, resolvedAt               sql.NullTime
		status, dispute                       string
		items                                 []byte
	)
	err := s.Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &bundleID, &items, &o.TotalAmount, &o.Commission, &o.Currency,
		&status, &tracking, &dispute, &disputeReason, &disputeOpenedAt,
		&cancelledAt, &cancelledBy, &cancellationReason, &deliveredAt,
		&resolvedAt, &resolvedBy, &resolution, &resolutionNote, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items for order %s: %w", o.ID, err)
	}
	o.Status = OrderStatus(status)
	o.Dispute = DisputeStatus(dispute)
	o.BundleID = bundleID.String
	if tracking.Valid {
		ts := TrackingStatus(tracking.String)
		o.Tracking = &ts
	}
	o.DisputeReason = disputeReason.String
	o.CancelledBy = cancelledBy.String
	o.CancellationReason = cancellationReason.String
	o.ResolvedBy = resolvedBy.String
	o.Resolution = Resolution(resolution.String)
	o.ResolutionNote = resolutionNote.String
	o.DisputeOpenedAt = timePtr(disputeOpenedAt)
	o.CancelledAt = timePtr(cancelledAt)
	o.DeliveredAt = timePtr(deliveredAt)
	o.ResolvedAt = timePtr(resolvedAt)
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func isCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTracking(t *TrackingStatus) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*t), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
