package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// --- Metrics ---

// Metrics holds all the Prometheus metrics for the engine.
type Metrics struct {
	opDuration    *prometheus.HistogramVec
	opsTotal      *prometheus.CounterVec
	advancesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the metrics for the engine.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_operation_duration_seconds",
			Help:    "Total time taken to execute one saga end to end.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_operations_total",
			Help: "Total number of saga executions, labeled by operation and result.",
		}, []string{"operation", "result"}),
		advancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_flash_advances_total",
			Help: "Total number of flash advances requested, labeled by backend.",
		}, []string{"backend"}),
	}
	reg.MustRegister(m.opDuration, m.opsTotal, m.advancesTotal)
	return m
}

func (m *Metrics) observeOp(op string, seconds float64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.opDuration.WithLabelValues(op).Observe(seconds)
	m.opsTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) observeAdvance(backend BackendKey) {
	if m == nil {
		return
	}
	m.advancesTotal.WithLabelValues(backend.String()).Inc()
}
