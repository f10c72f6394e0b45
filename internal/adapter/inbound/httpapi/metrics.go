// Package httpapi is the HTTP sidecar/gateway surface over the enforcement
// engine. All routes delegate to the same service methods the SDK and the
// stdio hook call.
package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments, registered on a private
// registry so tests can run servers side by side.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	DecisionsTotal  *prometheus.CounterVec
	PolicyReloads   prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "safeai",
				Name:      "requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "safeai",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "safeai",
				Name:      "decisions_total",
				Help:      "Boundary decisions by boundary and action",
			},
			[]string{"boundary", "action"},
		),
		PolicyReloads: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "safeai",
				Name:      "policy_reloads_total",
				Help:      "Successful policy reloads",
			},
		),
	}
}

// recordDecision counts one boundary decision.
func (m *Metrics) recordDecision(boundary, action string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(boundary, action).Inc()
}
