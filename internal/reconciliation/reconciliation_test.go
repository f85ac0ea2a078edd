package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/store"
)

type stubLister struct {
	mismatches []store.EscrowMismatch
	err        error
	calls      int
}

func (s *stubLister) ListEscrowMismatches(context.Context) ([]store.EscrowMismatch, error) {
	s.calls++
	return s.mismatches, s.err
}

type panicLister struct{}

func (panicLister) ListEscrowMismatches(context.Context) ([]store.EscrowMismatch, error) {
	panic("boom")
}

func TestRun_Match(t *testing.T) {
	svc := NewService(&stubLister{}, logging.Discard())

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Match)
	assert.NotNil(t, report.Mismatches)
	assert.Zero(t, report.TotalDrift)
}

func TestRun_SumsAbsoluteDrift(t *testing.T) {
	svc := NewService(&stubLister{mismatches: []store.EscrowMismatch{
		{UserID: "seller_1", Pending: 9000, Held: 4500},
		{UserID: "seller_2", Pending: 0, Held: 1000},
	}}, logging.Discard())

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Match)
	assert.Len(t, report.Mismatches, 2)
	assert.Equal(t, int64(5500), report.TotalDrift)
}

func TestRun_ListerError(t *testing.T) {
	svc := NewService(&stubLister{err: errors.New("db down")}, logging.Discard())

	_, err := svc.Run(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestRun_AgainstMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	_, err := s.CreateWallet(ctx, "seller_1", "NGN")
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertOrder(ctx, &store.Order{
			ID: "ord_1", BuyerID: "buyer_1", SellerID: "seller_1",
			Items:       []store.LineItem{{ProductID: "prd_a", UnitPrice: 5000, Quantity: 1}},
			TotalAmount: 5000, Commission: 500, Currency: "NGN",
			Status: store.OrderRunning, Dispute: store.DisputeNone,
			CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		w, err := tx.GetWallet(ctx, "seller_1")
		if err != nil {
			return err
		}
		w.PendingBalance = 4500
		return tx.PutWallet(ctx, w)
	}))

	report, err := NewService(s, logging.Discard()).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Match)
}

func TestTimer_SafeRunRecoversPanic(t *testing.T) {
	timer := NewTimer(NewService(panicLister{}, logging.Discard()), 0, logging.Discard())
	assert.Equal(t, DefaultInterval, timer.interval)
	assert.NotPanics(t, func() { timer.safeRun(context.Background()) })
}

func TestTimer_StartStop(t *testing.T) {
	lister := &stubLister{}
	timer := NewTimer(NewService(lister, logging.Discard()), 5*time.Millisecond, logging.Discard())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return timer.Running() }, time.Second, time.Millisecond)
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}

func TestHandler_Run(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(NewService(&stubLister{mismatches: []store.EscrowMismatch{
		{UserID: "seller_1", Pending: 100},
	}}, logging.Discard()), logging.Discard()).RegisterAdminRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/reconciliations", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Report Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Report.Match)
	assert.Equal(t, int64(100), resp.Report.TotalDrift)
}
