package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileEscrowMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bazaar",
		Subsystem: "reconciliation",
		Name:      "escrow_mismatches",
		Help:      "Number of wallets whose pendingBalance disagreed with running order payouts in the last run.",
	})

	reconcileEscrowDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bazaar",
		Subsystem: "reconciliation",
		Name:      "escrow_drift_minor_units",
		Help:      "Sum of absolute pendingBalance drift found in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bazaar",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bazaar",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileEscrowMismatches,
		reconcileEscrowDrift,
		reconcileDuration,
		reconcileErrors,
	)
}
