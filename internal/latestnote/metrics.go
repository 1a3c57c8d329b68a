package latestnote

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "latestnote"
	metricsSubsystem = "projection"
)

// Metrics groups the projection collectors. A nil *Metrics records nothing.
type Metrics struct {
	outcomes         *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	droppedTasks     prometheus.Counter
	failedTasks      *prometheus.CounterVec
	pendingTasks     prometheus.Gauge
	rebuiltUserCount prometheus.Counter
}

// NewMetrics creates the collectors and registers them on registerer when it is not nil.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "outcomes_total",
			Help:      "Lifecycle handler outcomes by operation.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "handler_duration_seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation"}),
		droppedTasks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "dropped_tasks_total",
			Help:      "Tasks rejected because the queue was full or the scheduler was stopped.",
		}),
		failedTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "failed_tasks_total",
		}, []string{"operation", "kind"}),
		pendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "pending_tasks",
		}),
		rebuiltUserCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "rebuilt_users_total",
		}),
	}
	if registerer == nil {
		return metrics, nil
	}
	for _, collector := range []prometheus.Collector{
		metrics.outcomes,
		metrics.duration,
		metrics.droppedTasks,
		metrics.failedTasks,
		metrics.pendingTasks,
		metrics.rebuiltUserCount,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (m *Metrics) observeOutcome(operation string, outcome Outcome, started time.Time) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(operation, string(outcome)).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) taskDropped() {
	if m == nil {
		return
	}
	m.droppedTasks.Inc()
}

func (m *Metrics) taskFailed(operation, kind string) {
	if m == nil {
		return
	}
	m.failedTasks.WithLabelValues(operation, kind).Inc()
}

func (m *Metrics) setPending(pending int64) {
	if m == nil {
		return
	}
	m.pendingTasks.Set(float64(pending))
}

func (m *Metrics) userRebuilt() {
	if m == nil {
		return
	}
	m.rebuiltUserCount.Inc()
}
