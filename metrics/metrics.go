// Package metrics exposes Prometheus instrumentation for libiscsi operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "libiscsi"

// Result labels.
const (
	ResultSuccess  = "success"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	matches    *prometheus.HistogramVec
	sessions   prometheus.Gauge
}

// New creates the collectors and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Library operations by name and result.",
		}, []string{"operation", "result"}),
		matches: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_matches",
			Help:      "Records matched by a node or session fan-out.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16},
		}, []string{"operation"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions returned by the last session listing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.matches, m.sessions)
	}
	return m
}

// Observe counts one finished operation.
func (m *Metrics) Observe(operation, result string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, result).Inc()
}

// ObserveMatches records how many records a fan-out touched.
func (m *Metrics) ObserveMatches(operation string, n int) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(operation).Observe(float64(n))
}

// SetSessions records the size of the last session listing.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
