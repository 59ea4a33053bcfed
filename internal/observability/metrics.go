package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for lbforge.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Command execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Security metrics.
	SandboxDenialsTotal   *prometheus.CounterVec
	RateLimitRejectsTotal *prometheus.CounterVec

	// Case management metrics.
	ReplicationsTotal *prometheus.CounterVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lbforge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lbforge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lbforge",
			Subsystem: "command",
			Name:      "executions_total",
			Help:      "Total build and run executions.",
		}, []string{"kind", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lbforge",
			Subsystem: "command",
			Name:      "execution_duration_seconds",
			Help:      "Build and run duration in seconds.",
			Buckets:   []float64{1, 5, 15, 60, 120, 300, 600},
		}, []string{"kind"}),

		SandboxDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lbforge",
			Subsystem: "sandbox",
			Name:      "denials_total",
			Help:      "Total path resolutions rejected by the sandbox.",
		}, []string{"operation"}),

		RateLimitRejectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lbforge",
			Subsystem: "ratelimit",
			Name:      "rejects_total",
			Help:      "Total requests rejected by rate limiting.",
		}, []string{"class"}),

		ReplicationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lbforge",
			Subsystem: "cases",
			Name:      "replications_total",
			Help:      "Total case duplication attempts.",
		}, []string{"status"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lbforge",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.SandboxDenialsTotal,
		m.RateLimitRejectsTotal,
		m.ReplicationsTotal,
		m.ActiveRequests,
	)

	return m
}

// RecordExecution is nil-safe: disabled metrics skip recording.
func (m *MetricsCollector) RecordExecution(kind, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(kind, status).Inc()
	m.ExecutionDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordSandboxDenial is nil-safe.
func (m *MetricsCollector) RecordSandboxDenial(operation string) {
	if m == nil {
		return
	}
	m.SandboxDenialsTotal.WithLabelValues(operation).Inc()
}

// RecordRateLimitReject is nil-safe.
func (m *MetricsCollector) RecordRateLimitReject(class string) {
	if m == nil {
		return
	}
	m.RateLimitRejectsTotal.WithLabelValues(class).Inc()
}

// RecordReplication is nil-safe.
func (m *MetricsCollector) RecordReplication(status string) {
	if m == nil {
		return
	}
	m.ReplicationsTotal.WithLabelValues(status).Inc()
}

func statusCode(code int) string {
	return strconv.Itoa(code)
}
