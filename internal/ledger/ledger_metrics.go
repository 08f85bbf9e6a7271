package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// submissions counts settlement submissions by intent kind and outcome.
	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "ledger_submissions_total",
			Help:      "Total ledger submissions by intent kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// SettleDuration observes submit-to-receipt latency by intent kind.
	SettleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Name:      "ledger_settle_duration_seconds",
			Help:      "Time from broadcast to receipt in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 90, 120},
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(submissions, SettleDuration)
}
