package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMissingOrders = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arbitro",
		Subsystem: "reconciliation",
		Name:      "missing_orders",
		Help:      "Orders present on chain but absent from the ledger in the last run.",
	})

	reconcileStatusMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arbitro",
		Subsystem: "reconciliation",
		Name:      "status_mismatches",
		Help:      "Orders whose ledger status disagrees with the chain in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "arbitro",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arbitro",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs that could not complete.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMissingOrders,
		reconcileStatusMismatches,
		reconcileDuration,
		reconcileErrors,
	)
}
