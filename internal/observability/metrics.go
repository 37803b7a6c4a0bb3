package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Kijenzi.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Tool execution metrics.
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// Sandbox metrics.
	SandboxCommandsTotal   *prometheus.CounterVec
	SandboxCommandDuration *prometheus.HistogramVec
	SandboxResolveTotal    *prometheus.CounterVec

	// Run metrics.
	RunsTotal      *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	RunIterations  prometheus.Histogram
	ActiveRuns     prometheus.Gauge
	RunQueueLength prometheus.Gauge

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kijenzi",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "model", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kijenzi",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kijenzi",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "model", "direction"}),

		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kijenzi",
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Total tool executions.",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kijenzi",
			Subsystem: "tool",
			Name:      "execution_duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"tool"}),

		SandboxCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kijenzi",
			Subsystem: "sandbox",
			Name:      "commands_total",
			Help:      "Total sandbox shell commands.",
		}, []string{"provider", "status"}),

		SandboxCommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kijenzi",
			Subsystem: "sandbox",
			Name:      "command_duration_seconds",
			Help:      "Sandbox command duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
		}, []string{"provider"}),

		SandboxResolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kijenzi",
			Subsystem: "sandbox",
			Name:      "resolve_total",
			Help:      "Sandbox resolutions by result (created, connected, error).",
		}, []string{"provider", "result"}),

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kijenzi",
			Subsystem: "run",
			Name:      "total",
			Help:      "Finished runs by outcome.",
		}, []string{"outcome"}),

		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kijenzi",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "End-to-end run duration in seconds.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),

		RunIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kijenzi",
			Subsystem: "run",
			Name:      "iterations",
			Help:      "Model turns taken per run.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kijenzi",
			Subsystem: "run",
			Name:      "active",
			Help:      "Number of runs in progress.",
		}),

		RunQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kijenzi",
			Subsystem: "run",
			Name:      "queue_length",
			Help:      "Number of run events waiting for a worker.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kijenzi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kijenzi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kijenzi",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.SandboxCommandsTotal,
		m.SandboxCommandDuration,
		m.SandboxResolveTotal,
		m.RunsTotal,
		m.RunDuration,
		m.RunIterations,
		m.ActiveRuns,
		m.RunQueueLength,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordTool records one tool dispatch. Safe on a nil collector.
func (m *MetricsCollector) RecordTool(tool string, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if failed {
		status = "failure"
	}
	m.ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordRun records a finished run. Safe on a nil collector.
func (m *MetricsCollector) RecordRun(outcome string, iterations int, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(d.Seconds())
	if iterations > 0 {
		m.RunIterations.Observe(float64(iterations))
	}
}

// RecordResolve records a sandbox resolution. Safe on a nil collector.
func (m *MetricsCollector) RecordResolve(provider, result string) {
	if m == nil {
		return
	}
	m.SandboxResolveTotal.WithLabelValues(provider, result).Inc()
}

// AddActiveRuns moves the in-flight run gauge by delta. Safe on a nil collector.
func (m *MetricsCollector) AddActiveRuns(delta float64) {
	if m == nil {
		return
	}
	m.ActiveRuns.Add(delta)
}

// SetQueueLength reports the number of queued runs. Safe on a nil collector.
func (m *MetricsCollector) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.RunQueueLength.Set(float64(n))
}
