package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts resource operations and polls. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	polls      prometheus.Counter
	duration   prometheus.Histogram
}

// NewMetrics builds and registers the engine metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackd_resource_operations_total",
			Help: "Resource operations by action and final status.",
		}, []string{"action", "status"}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stackd_polls_total",
			Help: "Completion checks issued against external APIs.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stackd_operation_duration_seconds",
			Help:    "Wall-clock duration of resource operations.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.polls, m.duration)
	}
	return m
}

func (m *Metrics) observeOperation(action, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(action, status).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) observePoll() {
	if m == nil {
		return
	}
	m.polls.Inc()
}
