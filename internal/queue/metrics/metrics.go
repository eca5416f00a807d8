package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the job queue.
type Metrics struct {
	// Enqueued jobs by phase
	Enqueued *prometheus.CounterVec

	// Terminal outcomes by phase and status
	Outcomes *prometheus.CounterVec

	// Retries scheduled by phase
	Retries *prometheus.CounterVec

	// Stale leases reclaimed by the sweeper
	StaleReclaimed prometheus.Counter

	// Time from enqueue to terminal state
	JobDuration *prometheus.HistogramVec
}

// New creates a new Metrics instance with all queue metrics registered.
func New() *Metrics {
	return &Metrics{
		Enqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_queue_enqueued_total",
			Help: "Total jobs enqueued by phase",
		}, []string{"phase"}),

		Outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_queue_outcomes_total",
			Help: "Total terminal job outcomes by phase and status",
		}, []string{"phase", "status"}),

		Retries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_queue_retries_total",
			Help: "Total retries scheduled by phase",
		}, []string{"phase"}),

		StaleReclaimed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "covenant_queue_stale_reclaimed_total",
			Help: "Total stale leases reclaimed by the sweeper",
		}),

		JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "covenant_queue_job_duration_seconds",
			Help:    "Time from enqueue to terminal state by phase",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"phase"}),
	}
}

// IncrementEnqueued records an accepted enqueue.
func (m *Metrics) IncrementEnqueued(phase string) {
	if m != nil {
		m.Enqueued.WithLabelValues(phase).Inc()
	}
}

// IncrementOutcome records a terminal transition.
func (m *Metrics) IncrementOutcome(phase, status string) {
	if m != nil {
		m.Outcomes.WithLabelValues(phase, status).Inc()
	}
}

// IncrementRetry records a scheduled retry.
func (m *Metrics) IncrementRetry(phase string) {
	if m != nil {
		m.Retries.WithLabelValues(phase).Inc()
	}
}

// IncrementStaleReclaimed records a reclaimed stale lease.
func (m *Metrics) IncrementStaleReclaimed() {
	if m != nil {
		m.StaleReclaimed.Inc()
	}
}

// ObserveJobDuration records the enqueue-to-terminal latency.
func (m *Metrics) ObserveJobDuration(phase string, d time.Duration) {
	if m != nil {
		m.JobDuration.WithLabelValues(phase).Observe(d.Seconds())
	}
}
