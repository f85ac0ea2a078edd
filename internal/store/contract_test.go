package store

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errAbort = errors.New("abort")

func testOrder(id, buyer, seller string, created time.Time) *Order {
	return &Order{
		ID:          id,
		BuyerID:     buyer,
		SellerID:    seller,
		Items:       []LineItem{{ProductID: "prd_a", Name: "kettle", UnitPrice: 2500, Quantity: 2}},
		TotalAmount: 5000,
		Commission:  500,
		Currency:    "NGN",
		Status:      OrderRunning,
		Dispute:     DisputeNone,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

// runStoreContract exercises the behaviour every Store implementation
// must share.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("wallets", func(t *testing.T) {
		w, err := s.CreateWallet(ctx, "buyer_1", "NGN")
		require.NoError(t, err)
		assert.Zero(t, w.Balance)

		_, err = s.CreateWallet(ctx, "buyer_1", "NGN")
		assert.ErrorIs(t, err, ErrWalletExists)

		_, err = s.GetWallet(ctx, "nobody")
		assert.ErrorIs(t, err, ErrWalletNotFound)
	})

	t.Run("atomic discards on error", func(t *testing.T) {
		err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			w, err := tx.GetWallet(ctx, "buyer_1")
			if err != nil {
				return err
			}
			w.Balance = 9_999
			if err := tx.PutWallet(ctx, w); err != nil {
				return err
			}
			return errAbort
		})
		assert.ErrorIs(t, err, errAbort)

		w, err := s.GetWallet(ctx, "buyer_1")
		require.NoError(t, err)
		assert.Zero(t, w.Balance)
	})

	t.Run("transactions are unique by reference", func(t *testing.T) {
		deposit := &Transaction{
			ID: "dep_1", UserID: "buyer_1", Type: TxCredit, Category: CategoryDeposit,
			Amount: 10_000, Status: TxCompleted, Metadata: map[string]string{"source": "test"},
		}
		err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			if err := tx.InsertTransaction(ctx, deposit); err != nil {
				return err
			}
			exists, err := tx.TransactionExists(ctx, "dep_1")
			if err != nil {
				return err
			}
			assert.True(t, exists, "commit must observe its own writes")
			w, err := tx.GetWallet(ctx, "buyer_1")
			if err != nil {
				return err
			}
			w.Balance += deposit.Amount
			return tx.PutWallet(ctx, w)
		})
		require.NoError(t, err)

		err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertTransaction(ctx, deposit)
		})
		assert.ErrorIs(t, err, ErrDuplicateReference)

		txns, err := s.ListTransactions(ctx, "buyer_1", 10)
		require.NoError(t, err)
		require.Len(t, txns, 1)
		assert.Equal(t, "test", txns[0].Metadata["source"])

		err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			got, err := tx.GetTransaction(ctx, "dep_1")
			if err != nil {
				return err
			}
			assert.Equal(t, int64(10_000), got.Amount)
			assert.Equal(t, CategoryDeposit, got.Category)
			assert.Equal(t, "test", got.Metadata["source"])

			_, err = tx.GetTransaction(ctx, "dep_missing")
			assert.ErrorIs(t, err, ErrTransactionNotFound)
			return nil
		})
		require.NoError(t, err)

		w, err := s.GetWallet(ctx, "buyer_1")
		require.NoError(t, err)
		assert.Equal(t, int64(10_000), w.Balance)
	})

	t.Run("sum debits", func(t *testing.T) {
		since := time.Now().Add(-time.Hour)
		err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			for i, amount := range []int64{300, 200} {
				if err := tx.InsertTransaction(ctx, &Transaction{
					ID: []string{"wd_1", "wd_2"}[i], UserID: "buyer_1", Type: TxDebit,
					Category: CategoryWithdrawal, Amount: amount, Status: TxCompleted,
				}); err != nil {
					return err
				}
			}
			total, err := tx.SumDebits(ctx, "buyer_1", CategoryWithdrawal, since)
			if err != nil {
				return err
			}
			assert.Equal(t, int64(500), total)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("products", func(t *testing.T) {
		require.NoError(t, s.UpsertProduct(ctx, &Product{ID: "prd_a", SellerID: "seller_1", Name: "kettle", Price: 2500, Stock: 5}))
		require.NoError(t, s.UpsertProduct(ctx, &Product{ID: "prd_a", SellerID: "seller_1", Name: "kettle", Price: 2500, DiscountPercent: 10, Stock: 5}))
		assert.Error(t, s.UpsertProduct(ctx, &Product{ID: "prd_bad", SellerID: "seller_1", Name: "x", Price: 0}))

		err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			return tx.SetProductStock(ctx, "prd_a", 3)
		})
		require.NoError(t, err)

		p, err := s.GetProduct(ctx, "prd_a")
		require.NoError(t, err)
		assert.Equal(t, int64(3), p.Stock)
		assert.Equal(t, int64(10), p.DiscountPercent)

		_, err = s.GetProduct(ctx, "prd_missing")
		assert.ErrorIs(t, err, ErrProductNotFound)
	})

	t.Run("orders", func(t *testing.T) {
		old := time.Now().Add(-72 * time.Hour).UTC().Truncate(time.Millisecond)
		fresh := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)

		err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			for _, o := range []*Order{
				testOrder("ord_stalled", "buyer_1", "seller_1", old),
				testOrder("ord_fresh", "buyer_1", "seller_1", fresh),
				testOrder("ord_tracked", "buyer_2", "seller_1", old),
				testOrder("ord_disputed", "buyer_2", "seller_2", old),
			} {
				if err := tx.InsertOrder(ctx, o); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertOrder(ctx, testOrder("ord_stalled", "buyer_1", "seller_1", old))
		})
		assert.ErrorIs(t, err, ErrOrderExists)

		now := time.Now().UTC().Truncate(time.Millisecond)
		err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			tracked, err := tx.GetOrder(ctx, "ord_tracked")
			if err != nil {
				return err
			}
			ts := TrackingAcknowledged
			tracked.Tracking = &ts
			tracked.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, tracked); err != nil {
				return err
			}

			disputed, err := tx.GetOrder(ctx, "ord_disputed")
			if err != nil {
				return err
			}
			disputed.Dispute = DisputeOpen
			disputed.DisputeReason = "never arrived"
			disputed.DisputeOpenedAt = &now
			disputed.UpdatedAt = now
			return tx.UpdateOrder(ctx, disputed)
		})
		require.NoError(t, err)

		got, err := s.GetOrder(ctx, "ord_disputed")
		require.NoError(t, err)
		assert.Equal(t, DisputeOpen, got.Dispute)
		assert.Equal(t, "never arrived", got.DisputeReason)
		require.NotNil(t, got.DisputeOpenedAt)
		assert.WithinDuration(t, now, *got.DisputeOpenedAt, time.Millisecond)
		assert.Equal(t, int64(4500), got.SellerPayout())

		tracked, err := s.GetOrder(ctx, "ord_tracked")
		require.NoError(t, err)
		assert.Equal(t, TrackingAcknowledged, tracked.TrackingStatus())

		stalled, err := s.ListStalledOrders(ctx, time.Now().Add(-48*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, stalled, 1)
		assert.Equal(t, "ord_stalled", stalled[0].ID)

		mine, err := s.ListOrdersByUser(ctx, "seller_1", 10)
		require.NoError(t, err)
		assert.Len(t, mine, 3)
		assert.Equal(t, "ord_fresh", mine[0].ID, "newest first")

		_, err = s.GetOrder(ctx, "ord_missing")
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})

	t.Run("sellers", func(t *testing.T) {
		suspendedAt := time.Now().UTC().Truncate(time.Millisecond)
		err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			seller, err := tx.GetSeller(ctx, "seller_1")
			if err != nil {
				return err
			}
			assert.Zero(t, seller.Strikes)
			seller.Strikes = 3
			seller.Suspended = true
			seller.SuspendedAt = &suspendedAt
			return tx.PutSeller(ctx, seller)
		})
		require.NoError(t, err)

		seller, err := s.GetSeller(ctx, "seller_1")
		require.NoError(t, err)
		assert.Equal(t, 3, seller.Strikes)
		assert.True(t, seller.Suspended)
	})

	t.Run("escrow mismatches", func(t *testing.T) {
		// Orders were inserted directly, so no pendingBalance backs them.
		mismatches, err := s.ListEscrowMismatches(ctx)
		require.NoError(t, err)
		require.Len(t, mismatches, 2)
		assert.Equal(t, "seller_1", mismatches[0].UserID)
		assert.Equal(t, int64(13_500), mismatches[0].Held)
		assert.Equal(t, int64(-13_500), mismatches[0].Drift())
		assert.Equal(t, "seller_2", mismatches[1].UserID)

		for _, id := range []string{"seller_1", "seller_2"} {
			if _, err := s.CreateWallet(ctx, id, "NGN"); err != nil {
				require.ErrorIs(t, err, ErrWalletExists)
			}
		}
		err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			for id, held := range map[string]int64{"seller_1": 13_500, "seller_2": 4_500} {
				w, err := tx.GetWallet(ctx, id)
				if err != nil {
					return err
				}
				w.PendingBalance = held
				if err := tx.PutWallet(ctx, w); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		mismatches, err = s.ListEscrowMismatches(ctx)
		require.NoError(t, err)
		assert.Empty(t, mismatches)
	})

	t.Run("dispute resolutions", func(t *testing.T) {
		rec := &DisputeResolution{
			OrderID: "ord_disputed", Resolution: ResolutionRefund, AdminID: "admin_1",
			Note: "courier lost it", Timestamp: time.Now().UTC(),
		}
		err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertDisputeResolution(ctx, rec)
		})
		require.NoError(t, err)

		err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertDisputeResolution(ctx, rec)
		})
		assert.ErrorIs(t, err, ErrResolutionExists)

		got, err := s.GetDisputeResolution(ctx, "ord_disputed")
		require.NoError(t, err)
		assert.Equal(t, ResolutionRefund, got.Resolution)
		assert.Equal(t, "courier lost it", got.Note)

		_, err = s.GetDisputeResolution(ctx, "ord_stalled")
		assert.ErrorIs(t, err, ErrResolutionNotFound)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	created := time.Now()
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertOrder(ctx, testOrder("ord_1", "buyer_1", "seller_1", created))
	}))

	o, err := s.GetOrder(ctx, "ord_1")
	require.NoError(t, err)
	o.Items[0].Quantity = 99
	o.Status = OrderCancelled

	again, err := s.GetOrder(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Items[0].Quantity)
	assert.Equal(t, OrderRunning, again.Status)
}

func TestOrderValidate_LineItems(t *testing.T) {
	created := time.Now()
	tests := []struct {
		name  string
		edit  func(o *Order)
		valid bool
	}{
		{"matching total", func(o *Order) {}, true},
		{"zero price after discount", func(o *Order) {
			o.Items = append(o.Items, LineItem{ProductID: "prd_free", UnitPrice: 0, Quantity: 1})
		}, true},
		{"zero quantity", func(o *Order) { o.Items[0].Quantity = 0 }, false},
		{"negative quantity", func(o *Order) { o.Items[0].Quantity = -2 }, false},
		{"negative price", func(o *Order) { o.Items[0].UnitPrice = -2500 }, false},
		{"total differs from items", func(o *Order) { o.TotalAmount = 2000; o.Commission = 200 }, false},
		{"subtotal overflows", func(o *Order) {
			o.Items[0].Quantity = math.MaxInt64
			o.TotalAmount = 2000
			o.Commission = 200
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOrder("ord_1", "buyer_1", "seller_1", created)
			tt.edit(o)
			err := o.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestMemoryStore_AtomicHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := NewMemoryStore().Atomic(ctx, func(context.Context, Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
