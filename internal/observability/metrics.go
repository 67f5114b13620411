package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds the Prometheus metrics for seiro.
// Uses a custom registry; no global state. Package-level collectors such as
// the job store and scheduler register on the same Registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Build metrics.
	BuildsTotal    *prometheus.CounterVec
	BuildDuration  *prometheus.HistogramVec
	BuildsInFlight prometheus.Gauge

	// Sandbox policy metrics.
	ValidationsTotal *prometheus.CounterVec

	// Process supervision metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration prometheus.Histogram

	// MCP tool metrics.
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// buildBuckets span a quick cached build up to the 60 minute ceiling.
var buildBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		BuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seiro",
			Subsystem: "build",
			Name:      "total",
			Help:      "Finished builds by terminal status.",
		}, []string{"status", "error_code"}),

		BuildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "seiro",
			Subsystem: "build",
			Name:      "duration_seconds",
			Help:      "Build wall-clock duration in seconds.",
			Buckets:   buildBuckets,
		}, []string{"status"}),

		BuildsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "seiro",
			Subsystem: "build",
			Name:      "in_flight",
			Help:      "Builds currently running.",
		}),

		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seiro",
			Subsystem: "policy",
			Name:      "validations_total",
			Help:      "Sandbox policy validations by result and error code.",
		}, []string{"result", "code"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seiro",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Supervised process executions.",
		}, []string{"status"}),

		SandboxExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "seiro",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Supervised process duration in seconds.",
			Buckets:   buildBuckets,
		}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seiro",
			Subsystem: "mcp",
			Name:      "tool_calls_total",
			Help:      "MCP tool calls.",
		}, []string{"tool", "status"}),

		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "seiro",
			Subsystem: "mcp",
			Name:      "tool_call_duration_seconds",
			Help:      "MCP tool call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seiro",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "seiro",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "seiro",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.BuildsTotal,
		m.BuildDuration,
		m.BuildsInFlight,
		m.ValidationsTotal,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RegistryOrNil returns the registry, or nil when metrics are disabled.
func (m *MetricsCollector) RegistryOrNil() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.Registry
}
