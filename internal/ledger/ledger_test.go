package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/lock"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/store"
)

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return New(s, lock.NewMemoryLocker(), opts...), s
}

func mustBalance(t *testing.T, l *Ledger, userID string, want int64) {
	t.Helper()
	w, err := l.GetWallet(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetWallet(%s): %v", userID, err)
	}
	if w.Balance != want {
		t.Fatalf("%s balance = %d, want %d", userID, w.Balance, want)
	}
}

func TestCredit_OpensWalletAndIsIdempotent(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Credit(ctx, "buyer", 10_000, "dep_1", nil)
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if res.AlreadyProcessed || res.Transaction == nil {
		t.Fatalf("expected fresh transaction, got %+v", res)
	}
	if res.Transaction.Category != store.CategoryDeposit {
		t.Errorf("expected deposit category, got %s", res.Transaction.Category)
	}

	res, err = l.Credit(ctx, "buyer", 10_000, "dep_1", nil)
	if err != nil {
		t.Fatalf("replayed Credit failed: %v", err)
	}
	if !res.AlreadyProcessed {
		t.Error("expected replay to report alreadyProcessed")
	}
	mustBalance(t, l, "buyer", 10_000)

	txns, _ := s.ListTransactions(ctx, "buyer", 10)
	if len(txns) != 1 {
		t.Errorf("expected 1 transaction, got %d", len(txns))
	}
}

func TestCredit_RejectsBadInput(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "buyer", 0, "ref", nil); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := l.Credit(ctx, "buyer", -5, "ref", nil); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative amount: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := l.Credit(ctx, "buyer", 5, "", nil); !errors.Is(err, ErrInvalidReference) {
		t.Errorf("empty reference: expected ErrInvalidReference, got %v", err)
	}
}

func TestDebit_NeverGoesNegative(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "buyer", 1_000, "dep_1", nil); err != nil {
		t.Fatal(err)
	}

	_, err := l.Debit(ctx, "buyer", 1_001, "deb_1", nil)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if apperr.Status(apperr.KindOf(err)) != 400 {
		t.Errorf("insufficient funds should map to 400")
	}
	mustBalance(t, l, "buyer", 1_000)

	if _, err := l.Debit(ctx, "buyer", 1_000, "deb_2", nil); err != nil {
		t.Fatalf("exact debit failed: %v", err)
	}
	mustBalance(t, l, "buyer", 0)
}

func TestDebit_MissingWallet(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Debit(context.Background(), "ghost", 1, "deb_1", nil)
	if !errors.Is(err, store.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestCredit_ConcurrentSameReference(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Credit(ctx, "seller", 500, "gw_ref_1", nil)
			if err != nil {
				if !lock.IsHeld(err) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !res.AlreadyProcessed {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("expected exactly one applied credit, got %d", applied)
	}
	mustBalance(t, l, "seller", 500)
	txns, _ := s.ListTransactions(ctx, "seller", 50)
	if len(txns) != 1 {
		t.Errorf("expected 1 transaction record, got %d", len(txns))
	}
}

func TestEscrow_HoldReleaseRefund(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "buyer", 10_000, "dep_1", nil); err != nil {
		t.Fatal(err)
	}
	o := &store.Order{
		ID: "ord_1", BuyerID: "buyer", SellerID: "seller",
		TotalAmount: 5_000, Commission: 500,
	}

	err := s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := l.HoldTx(ctx, tx, HoldReference(o.ID), o)
		return err
	})
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	mustBalance(t, l, "buyer", 5_000)
	sw, _ := l.GetWallet(ctx, "seller")
	if sw.PendingBalance != 4_500 {
		t.Errorf("seller pending = %d, want 4500", sw.PendingBalance)
	}

	var rel *Result
	err = s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rel, err = l.ReleaseTx(ctx, tx, o)
		return err
	})
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if rel.Transaction.Category != store.CategoryEscrowRelease || rel.Transaction.Amount != 4_500 {
		t.Errorf("unexpected release transaction %+v", rel.Transaction)
	}
	sw, _ = l.GetWallet(ctx, "seller")
	if sw.Balance != 4_500 || sw.PendingBalance != 0 {
		t.Errorf("seller wallet after release = %+v", sw)
	}

	// Second release is a no-op on the reference.
	err = s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rel, err = l.ReleaseTx(ctx, tx, o)
		return err
	})
	if err != nil || !rel.AlreadyProcessed {
		t.Fatalf("expected replayed release, got %+v, %v", rel, err)
	}
	mustBalance(t, l, "seller", 4_500)
}

func TestEscrow_RefundRestoresBuyer(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "buyer", 10_000, "dep_1", nil); err != nil {
		t.Fatal(err)
	}
	o := &store.Order{ID: "ord_2", BuyerID: "buyer", SellerID: "seller", TotalAmount: 5_000, Commission: 500}

	err := s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := l.HoldTx(ctx, tx, HoldReference(o.ID), o); err != nil {
			return err
		}
		_, err := l.RefundTx(ctx, tx, o)
		return err
	})
	if err != nil {
		t.Fatalf("hold+refund failed: %v", err)
	}
	mustBalance(t, l, "buyer", 10_000)
	sw, _ := l.GetWallet(ctx, "seller")
	if sw.PendingBalance != 0 || sw.Balance != 0 {
		t.Errorf("seller wallet after refund = %+v", sw)
	}
}

func TestEscrow_HoldInsufficientFundsWritesNothing(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "buyer", 100, "dep_1", nil); err != nil {
		t.Fatal(err)
	}
	o := &store.Order{ID: "ord_3", BuyerID: "buyer", SellerID: "seller", TotalAmount: 5_000, Commission: 500}

	err := s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := l.HoldTx(ctx, tx, HoldReference(o.ID), o)
		return err
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	mustBalance(t, l, "buyer", 100)
	if _, err := l.GetWallet(ctx, "seller"); !errors.Is(err, store.ErrWalletNotFound) {
		t.Errorf("seller wallet must not exist after aborted hold, got %v", err)
	}
}

func TestWithdraw_ChargesTieredFee(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "seller", 20_000, "dep_1", nil); err != nil {
		t.Fatal(err)
	}

	res, err := l.Withdraw(ctx, "seller", 5_000, "wd_1")
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if res.Fee != 100 {
		t.Errorf("fee = %d, want 100", res.Fee)
	}
	mustBalance(t, l, "seller", 20_000-5_000-100)

	txns, _ := s.ListTransactions(ctx, "seller", 10)
	categories := map[store.Category]int64{}
	for _, tx := range txns {
		categories[tx.Category] = tx.Amount
	}
	if categories[store.CategoryWithdrawal] != 5_000 || categories[store.CategoryWithdrawalFee] != 100 {
		t.Errorf("unexpected withdrawal postings: %v", categories)
	}

	res, err = l.Withdraw(ctx, "seller", 5_000, "wd_1")
	if err != nil || !res.AlreadyProcessed {
		t.Fatalf("expected replayed withdrawal, got %+v, %v", res, err)
	}
	mustBalance(t, l, "seller", 14_900)
}

func TestWithdraw_FeeMustBeCovered(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "seller", 1_000, "dep_1", nil); err != nil {
		t.Fatal(err)
	}
	_, err := l.Withdraw(ctx, "seller", 1_000, "wd_1")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds when fee is not covered, got %v", err)
	}
	mustBalance(t, l, "seller", 1_000)
}

func TestWithdraw_DailyLimitRollsOver(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLedger(t,
		WithDailyWithdrawalLimit(10_000),
		WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "seller", 100_000, "dep_1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Withdraw(ctx, "seller", 8_000, "wd_1"); err != nil {
		t.Fatalf("first withdrawal: %v", err)
	}
	_, err := l.Withdraw(ctx, "seller", 3_000, "wd_2")
	if !errors.Is(err, ErrDailyLimitExceeded) {
		t.Fatalf("expected ErrDailyLimitExceeded, got %v", err)
	}

	now = now.Add(25 * time.Hour)
	if _, err := l.Withdraw(ctx, "seller", 3_000, "wd_3"); err != nil {
		t.Fatalf("withdrawal after 24h window: %v", err)
	}
}

func TestWithdraw_ReplayReportsRecordedFee(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "seller", 100_000, "dep_1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Withdraw(ctx, "seller", 5_000, "wd_1"); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}

	// A retry with a different amount sits in another fee tier.
	res, err := l.Withdraw(ctx, "seller", 50_000, "wd_1")
	if err != nil || !res.AlreadyProcessed {
		t.Fatalf("expected replayed withdrawal, got %+v, %v", res, err)
	}
	if res.Fee != 100 {
		t.Errorf("replayed fee = %d, want the 100 actually charged", res.Fee)
	}

	// A reference first used by a plain debit never charged a fee.
	if _, err := l.Debit(ctx, "seller", 1_000, "deb_1", nil); err != nil {
		t.Fatal(err)
	}
	res, err = l.Withdraw(ctx, "seller", 1_000, "deb_1")
	if err != nil || !res.AlreadyProcessed {
		t.Fatalf("expected replay, got %+v, %v", res, err)
	}
	if res.Fee != 0 {
		t.Errorf("fee for a reference without a fee posting = %d, want 0", res.Fee)
	}
	mustBalance(t, l, "seller", 100_000-5_000-100-1_000)
}

func TestDebit_DoesNotCountTowardWithdrawalLimit(t *testing.T) {
	l, s := newTestLedger(t, WithDailyWithdrawalLimit(10_000))
	ctx := context.Background()

	if _, err := l.Credit(ctx, "seller", 100_000, "dep_1", nil); err != nil {
		t.Fatal(err)
	}
	res, err := l.Debit(ctx, "seller", 9_000, "deb_1", nil)
	if err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if res.Transaction.Category != store.CategoryDebit {
		t.Errorf("debit category = %s, want %s", res.Transaction.Category, store.CategoryDebit)
	}
	if _, err := l.Withdraw(ctx, "seller", 8_000, "wd_1"); err != nil {
		t.Fatalf("withdrawal after a plain debit: %v", err)
	}

	// Uncategorised debit postings fall back to the same category.
	if _, err := l.Post(ctx, store.TxDebit, Posting{UserID: "seller", Amount: 500, Reference: "deb_2"}); err != nil {
		t.Fatal(err)
	}
	txns, _ := s.ListTransactions(ctx, "seller", 10)
	for _, tx := range txns {
		if tx.ID == "deb_2" && tx.Category != store.CategoryDebit {
			t.Errorf("uncategorised debit stored as %s", tx.Category)
		}
	}
}

func TestEscrow_HoldReadsBeforeWriting(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "buyer", 10_000, "dep_1", nil); err != nil {
		t.Fatal(err)
	}
	orders := []*store.Order{
		{ID: "ord_a", BuyerID: "buyer", SellerID: "seller_a", BundleID: "bnd_1", TotalAmount: 3_000, Commission: 300},
		{ID: "ord_b", BuyerID: "buyer", SellerID: "seller_b", BundleID: "bnd_1", TotalAmount: 2_000, Commission: 200},
	}

	err := s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		rec := &recordingTx{Tx: tx}
		h, err := l.PrepareHoldTx(ctx, rec, HoldReference("bnd_1"), orders...)
		if err != nil {
			return err
		}
		if rec.writes != 0 {
			t.Errorf("prepare staged %d writes", rec.writes)
		}
		reads := rec.reads
		if _, err := l.ApplyHoldTx(ctx, rec, h); err != nil {
			return err
		}
		if rec.reads != reads {
			t.Errorf("apply read %d wallets after writing", rec.reads-reads)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	mustBalance(t, l, "buyer", 5_000)
	for id, want := range map[string]int64{"seller_a": 2_700, "seller_b": 1_800} {
		w, err := l.GetWallet(ctx, id)
		if err != nil {
			t.Fatalf("GetWallet(%s): %v", id, err)
		}
		if w.PendingBalance != want {
			t.Errorf("%s pending = %d, want %d", id, w.PendingBalance, want)
		}
	}
}

// recordingTx counts wallet reads and staged writes.
type recordingTx struct {
	store.Tx
	reads, writes int
}

func (r *recordingTx) GetWallet(ctx context.Context, userID string) (*store.Wallet, error) {
	r.reads++
	return r.Tx.GetWallet(ctx, userID)
}

func (r *recordingTx) PutWallet(ctx context.Context, w *store.Wallet) error {
	r.writes++
	return r.Tx.PutWallet(ctx, w)
}

func (r *recordingTx) InsertTransaction(ctx context.Context, t *store.Transaction) error {
	r.writes++
	return r.Tx.InsertTransaction(ctx, t)
}

func TestHistory_NewestFirst(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := l.Credit(ctx, "buyer", int64(i*100), fmt.Sprintf("dep_%d", i), nil); err != nil {
			t.Fatal(err)
		}
	}
	txns, err := l.History(ctx, "buyer", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 2 || txns[0].ID != "dep_3" || txns[1].ID != "dep_2" {
		t.Errorf("unexpected history order: %+v", txns)
	}
}
