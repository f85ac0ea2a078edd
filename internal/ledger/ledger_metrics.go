package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bazaar",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bazaar",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerVolumeTotal sums the currency units recorded by direction and category.
	LedgerVolumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bazaar",
			Name:      "ledger_volume_units_total",
			Help:      "Currency units moved by transaction type and category.",
		},
		[]string{"type", "category"},
	)

	// LedgerReplaysTotal counts calls answered as already processed.
	LedgerReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bazaar",
			Name:      "ledger_replays_total",
			Help:      "Ledger calls whose reference was already recorded.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerVolumeTotal,
		LedgerReplaysTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

// Observe records committed results. Call it after the commit succeeds so
// retried commits are not counted twice.
func Observe(results ...*Result) {
	for _, r := range results {
		switch {
		case r == nil:
		case r.AlreadyProcessed:
			LedgerReplaysTotal.Inc()
		case r.Transaction != nil:
			LedgerVolumeTotal.WithLabelValues(string(r.Transaction.Type), string(r.Transaction.Category)).
				Add(float64(r.Transaction.Amount))
		}
	}
}
