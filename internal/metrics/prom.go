package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics exposes engine-level health on a Prometheus registry. These
// are process metrics for operating the engine itself; per-task statistics
// live in the aggregator and its sinks.
type EngineMetrics struct {
	TasksRunning  prometheus.Gauge
	UsersActive   prometheus.Gauge
	RequestsTotal *prometheus.CounterVec
}

// NewEngineMetrics registers the engine collectors on reg.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		TasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lmeterx_tasks_running",
			Help: "Number of load-test tasks currently running.",
		}),
		UsersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lmeterx_users_active",
			Help: "Number of virtual users currently active across all tasks.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lmeterx_requests_total",
			Help: "Completed requests by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.TasksRunning, m.UsersActive, m.RequestsTotal)
	return m
}

// ObserveMeasurement counts one folded measurement by outcome.
func (m *EngineMetrics) ObserveMeasurement(outcome string) {
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}
