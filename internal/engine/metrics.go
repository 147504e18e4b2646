package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/smashpdf/smash/internal/model"
)

// Metric label values for tier attempts.
const (
	attemptCompleted = "completed"
	attemptFailed    = "failed"
)

var (
	tierAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smash_engine_tier_attempts_total",
			Help: "Total number of tier attempts by operation, tier, and outcome.",
		},
		[]string{"operation", "tier", "status"},
	)

	fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smash_engine_fallbacks_total",
			Help: "Total number of fall-throughs to a weaker tier.",
		},
		[]string{"operation"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smash_engine_operation_seconds",
			Help:    "End-to-end operation duration across all attempted tiers, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(tierAttemptsTotal)
	prometheus.MustRegister(fallbacksTotal)
	prometheus.MustRegister(operationDuration)

	// Pre-initialize per-operation label combinations so they appear in
	// /metrics with value 0 from startup.
	for _, op := range model.Operations {
		fallbacksTotal.WithLabelValues(op)
	}
}
