package ledger

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mbd888/bazaar/internal/store"
)

func TestObserveOp_IncrementsCounter(t *testing.T) {
	LedgerOpsTotal.Reset()

	done := observeOp("test_op")
	done()

	m := &dto.Metric{}
	counter, err := LedgerOpsTotal.GetMetricWithLabelValues("test_op")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 1.0 {
		t.Errorf("expected counter value 1, got %f", m.Counter.GetValue())
	}
}

func TestObserveOp_ObservesHistogram(t *testing.T) {
	LedgerOpDuration.Reset()

	done := observeOp("hist_test")
	done()

	ch := make(chan prometheus.Metric, 10)
	LedgerOpDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	if !found {
		t.Error("expected histogram with 1 sample")
	}
}

func TestObserve_VolumeAndReplays(t *testing.T) {
	LedgerVolumeTotal.Reset()

	Observe(
		&Result{Transaction: &store.Transaction{Type: store.TxCredit, Category: store.CategoryRefund, Amount: 5000}},
		&Result{AlreadyProcessed: true},
		nil,
	)

	m := &dto.Metric{}
	_ = LedgerVolumeTotal.WithLabelValues("credit", "refund").Write(m)
	if m.Counter.GetValue() != 5000 {
		t.Errorf("expected 5000 refunded units, got %f", m.Counter.GetValue())
	}
}
