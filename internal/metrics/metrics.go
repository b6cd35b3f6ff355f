// ABOUTME: Prometheus collectors for connections, reconciliation and pushes.
// ABOUTME: Each Metrics owns its registry so several gateways can coexist in tests.

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opamp"

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// Metrics groups every collector the gateway exports.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedAgents prometheus.Gauge
	Connections     *prometheus.CounterVec
	Triggers        *prometheus.CounterVec
	Evaluations     *prometheus.CounterVec
	PushAttempts    prometheus.Counter
	PushResults     *prometheus.CounterVec
	PushDuration    prometheus.Histogram
	AgentsBySync    *prometheus.GaugeVec
	requestTotal    *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectedAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agents",
			Name:      "connected",
			Help:      "Number of agents holding an open channel",
		}),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agents",
			Name:      "connection_events_total",
			Help:      "Agent connection lifecycle events",
		}, []string{"event"}),
		Triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "triggers_total",
			Help:      "Reconciliation triggers received",
		}, []string{"kind"}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "evaluations_total",
			Help:      "Per-agent evaluations by resulting action",
		}, []string{"reason", "action"}),
		PushAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "deliveries_total",
			Help:      "ConfigUpdate messages sent to agents",
		}),
		PushResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "results_total",
			Help:      "Push runs by final outcome",
		}, []string{"outcome"}),
		PushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "duration_seconds",
			Help:      "Time from first delivery to resolution of a push run",
			Buckets:   histogramBuckets,
		}),
		AgentsBySync: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agents",
			Name:      "sync_status",
			Help:      "Agents per sync status, refreshed every sweep",
		}, []string{"status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ConnectedAgents,
		m.Connections,
		m.Triggers,
		m.Evaluations,
		m.PushAttempts,
		m.PushResults,
		m.PushDuration,
		m.AgentsBySync,
		m.requestTotal,
		m.requestLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

// SetSyncCounts replaces the per-status agent gauges.
func (m *Metrics) SetSyncCounts(counts map[string]int) {
	m.AgentsBySync.Reset()
	for status, n := range counts {
		m.AgentsBySync.WithLabelValues(status).Set(float64(n))
	}
}
