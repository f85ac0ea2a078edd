package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory store for demo/development mode and tests.
// Atomic holds a single mutex for the whole commit, which makes every commit
// serializable.
type MemoryStore struct {
	mu          sync.Mutex
	wallets     map[string]*Wallet
	txns        map[string]*Transaction
	txnLog      []string // insertion order of txns
	orders      map[string]*Order
	products    map[string]*Product
	sellers     map[string]*Seller
	resolutions map[string]*DisputeResolution
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:     make(map[string]*Wallet),
		txns:        make(map[string]*Transaction),
		orders:      make(map[string]*Order),
		products:    make(map[string]*Product),
		sellers:     make(map[string]*Seller),
		resolutions: make(map[string]*DisputeResolution),
		now:         time.Now,
	}
}

// Atomic runs fn against a staging overlay and applies the overlay only if
// fn returns nil.
func (m *MemoryStore) Atomic(ctx context.Context, fn TxFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		base:        m,
		wallets:     make(map[string]*Wallet),
		txns:        make(map[string]*Transaction),
		orders:      make(map[string]*Order),
		products:    make(map[string]*Product),
		sellers:     make(map[string]*Seller),
		resolutions: make(map[string]*DisputeResolution),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

func (m *MemoryStore) CreateWallet(ctx context.Context, userID, currency string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[userID]; ok {
		return nil, ErrWalletExists
	}
	w := &Wallet{UserID: userID, Currency: currency, UpdatedAt: m.now()}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	m.wallets[userID] = w
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for i := len(m.txnLog) - 1; i >= 0; i-- {
		t := m.txns[m.txnLog[i]]
		if t.UserID != userID {
			continue
		}
		cp := *t
		cp.Metadata = cloneMeta(t.Metadata)
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Order
	for _, o := range m.orders {
		if o.BuyerID == userID || o.SellerID == userID {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListStalledOrders(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Status == OrderRunning && o.Tracking == nil && o.Dispute != DisputeOpen && o.CreatedAt.Before(before) {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) UpsertProduct(ctx context.Context, p *Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	cp.UpdatedAt = m.now()
	m.products[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetSeller(ctx context.Context, userID string) (*Seller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sellers[userID]; ok {
		cp := *s
		cp.SuspendedAt = clonePtr(s.SuspendedAt)
		return &cp, nil
	}
	return &Seller{UserID: userID}, nil
}

func (m *MemoryStore) GetDisputeResolution(ctx context.Context, orderID string) (*DisputeResolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.resolutions[orderID]
	if !ok {
		return nil, ErrResolutionNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListEscrowMismatches(ctx context.Context) ([]EscrowMismatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := make(map[string]int64)
	for _, o := range m.orders {
		if o.Status == OrderRunning {
			held[o.SellerID] += o.SellerPayout()
		}
	}
	var result []EscrowMismatch
	for id, w := range m.wallets {
		if w.PendingBalance != held[id] {
			result = append(result, EscrowMismatch{UserID: id, Pending: w.PendingBalance, Held: held[id]})
		}
		delete(held, id)
	}
	for id, h := range held {
		if h != 0 {
			result = append(result, EscrowMismatch{UserID: id, Held: h})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// memTx stages writes over the base maps. Reads check the stage first.
type memTx struct {
	base        *MemoryStore
	wallets     map[string]*Wallet
	txns        map[string]*Transaction
	txnLog      []string
	orders      map[string]*Order
	products    map[string]*Product
	sellers     map[string]*Seller
	resolutions map[string]*DisputeResolution
}

func (t *memTx) apply() {
	for k, v := range t.wallets {
		t.base.wallets[k] = v
	}
	for _, id := range t.txnLog {
		t.base.txns[id] = t.txns[id]
		t.base.txnLog = append(t.base.txnLog, id)
	}
	for k, v := range t.orders {
		t.base.orders[k] = v
	}
	for k, v := range t.products {
		t.base.products[k] = v
	}
	for k, v := range t.sellers {
		t.base.sellers[k] = v
	}
	for k, v := range t.resolutions {
		t.base.resolutions[k] = v
	}
}

func (t *memTx) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w, ok := t.wallets[userID]
	if !ok {
		w, ok = t.base.wallets[userID]
	}
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (t *memTx) PutWallet(ctx context.Context, w *Wallet) error {
	if err := w.Validate(); err != nil {
		return err
	}
	cp := *w
	cp.UpdatedAt = t.base.now()
	t.wallets[w.UserID] = &cp
	return nil
}

func (t *memTx) TransactionExists(ctx context.Context, id string) (bool, error) {
	if _, ok := t.txns[id]; ok {
		return true, nil
	}
	_, ok := t.base.txns[id]
	return ok, nil
}

func (t *memTx) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	txn, ok := t.txns[id]
	if !ok {
		txn, ok = t.base.txns[id]
	}
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *txn
	cp.Metadata = cloneMeta(txn.Metadata)
	return &cp, nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	if err := txn.Validate(); err != nil {
		return err
	}
	if exists, _ := t.TransactionExists(ctx, txn.ID); exists {
		return ErrDuplicateReference
	}
	cp := *txn
	cp.Metadata = cloneMeta(txn.Metadata)
	if cp.Timestamp.IsZero() {
		cp.Timestamp = t.base.now()
	}
	t.txns[txn.ID] = &cp
	t.txnLog = append(t.txnLog, txn.ID)
	return nil
}

func (t *memTx) SumDebits(ctx context.Context, userID string, category Category, since time.Time) (int64, error) {
	var total int64
	add := func(x *Transaction) {
		if x.UserID == userID && x.Type == TxDebit && x.Category == category && !x.Timestamp.Before(since) {
			total += x.Amount
		}
	}
	for _, x := range t.base.txns {
		add(x)
	}
	for _, x := range t.txns {
		add(x)
	}
	return total, nil
}

func (t *memTx) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, ok := t.orders[id]
	if !ok {
		o, ok = t.base.orders[id]
	}
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if _, err := t.GetOrder(ctx, o.ID); err == nil {
		return ErrOrderExists
	}
	t.orders[o.ID] = o.Clone()
	return nil
}

func (t *memTx) UpdateOrder(ctx context.Context, o *Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if _, err := t.GetOrder(ctx, o.ID); err != nil {
		return err
	}
	t.orders[o.ID] = o.Clone()
	return nil
}

func (t *memTx) GetProduct(ctx context.Context, id string) (*Product, error) {
	p, ok := t.products[id]
	if !ok {
		p, ok = t.base.products[id]
	}
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) SetProductStock(ctx context.Context, id string, stock int64) error {
	p, err := t.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	p.Stock = stock
	p.UpdatedAt = t.base.now()
	if err := p.Validate(); err != nil {
		return err
	}
	t.products[id] = p
	return nil
}

func (t *memTx) GetSeller(ctx context.Context, userID string) (*Seller, error) {
	s, ok := t.sellers[userID]
	if !ok {
		s, ok = t.base.sellers[userID]
	}
	if !ok {
		return &Seller{UserID: userID}, nil
	}
	cp := *s
	cp.SuspendedAt = clonePtr(s.SuspendedAt)
	return &cp, nil
}

func (t *memTx) PutSeller(ctx context.Context, s *Seller) error {
	cp := *s
	cp.SuspendedAt = clonePtr(s.SuspendedAt)
	cp.UpdatedAt = t.base.now()
	t.sellers[s.UserID] = &cp
	return nil
}

func (t *memTx) InsertDisputeResolution(ctx context.Context, r *DisputeResolution) error {
	if _, ok := t.resolutions[r.OrderID]; ok {
		return ErrResolutionExists
	}
	if _, ok := t.base.resolutions[r.OrderID]; ok {
		return ErrResolutionExists
	}
	cp := *r
	t.resolutions[r.OrderID] = &cp
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
