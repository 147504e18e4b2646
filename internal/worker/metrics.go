package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/smashpdf/smash/internal/model"
)

// Metric label values for worker boots and task outcomes.
const (
	bootReady   = "ready"
	bootFailed  = "failed"
	bootTimeout = "timeout"

	taskCompleted = "completed"
	taskFailed    = "failed"
	taskAbandoned = "abandoned"
)

var (
	workerBootsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smash_worker_boots_total",
			Help: "Total number of worker creation attempts by outcome.",
		},
		[]string{"engine", "status"},
	)

	workerBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smash_worker_boot_seconds",
			Help:    "Duration from worker spawn to ready handshake, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smash_worker_tasks_total",
			Help: "Total number of tasks sent to workers by outcome.",
		},
		[]string{"engine", "status"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smash_worker_task_seconds",
			Help:    "Task execution time from send to terminal response, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"engine"},
	)

	tasksInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smash_worker_tasks_in_flight",
			Help: "Number of tasks currently awaiting a terminal response.",
		},
		[]string{"engine"},
	)
)

func init() {
	prometheus.MustRegister(workerBootsTotal)
	prometheus.MustRegister(workerBootDuration)
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(tasksInFlight)

	// Pre-initialize label combinations so they appear in /metrics with value
	// 0 from startup, rather than only after first observation.
	for _, engine := range model.EngineTypes {
		for _, status := range []string{bootReady, bootFailed, bootTimeout} {
			workerBootsTotal.WithLabelValues(engine, status)
		}
		for _, status := range []string{taskCompleted, taskFailed, taskAbandoned} {
			tasksTotal.WithLabelValues(engine, status)
		}
	}
}
