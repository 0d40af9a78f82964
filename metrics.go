package sagatask

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the Prometheus collectors task handlers report to.
type Metrics struct {
	tasks    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the saga task collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagatask_tasks_total",
			Help: "Total number of saga task invocations by outcome.",
		}, []string{"saga", "kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sagatask_task_duration_seconds",
			Help:    "Duration of saga task invocations in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"saga", "kind"}),
	}
	for _, c := range []prometheus.Collector{m.tasks, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(saga string, kind taskKind, outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(saga, string(kind), outcome.String()).Inc()
	m.duration.WithLabelValues(saga, string(kind)).Observe(elapsed.Seconds())
}
