package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for jaribu.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Environment lifecycle metrics.
	EnvironmentsCreatedTotal *prometheus.CounterVec
	ProvisionDuration        *prometheus.HistogramVec
	ActiveEnvironments       prometheus.Gauge

	// Test run metrics.
	TestRunsTotal   *prometheus.CounterVec
	TestRunDuration *prometheus.HistogramVec

	// Binary cache metrics.
	CacheLookupsTotal    *prometheus.CounterVec
	DownloadsTotal       *prometheus.CounterVec
	DownloadedBytesTotal prometheus.Counter

	// Sandbox execution metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration prometheus.Histogram

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

		EnvironmentsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jaribu",
			Subsystem: "environment",
			Name:      "created_total",
			Help:      "Total environments provisioned, by runtime and status.",
		}, []string{"runtime", "status"}),

		ProvisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jaribu",
			Subsystem: "environment",
			Name:      "provision_duration_seconds",
			Help:      "Environment provisioning duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"runtime"}),

		ActiveEnvironments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jaribu",
			Subsystem: "environment",
			Name:      "active",
			Help:      "Environments currently alive.",
		}),

		TestRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jaribu",
			Subsystem: "test",
			Name:      "runs_total",
			Help:      "Total test runs, by runner and status.",
		}, []string{"runner", "status"}),

		TestRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jaribu",
			Subsystem: "test",
			Name:      "run_duration_seconds",
			Help:      "Test run duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"runner"}),

		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jaribu",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Binary cache lookups, by binary and result (hit/miss).",
		}, []string{"binary", "result"}),

		DownloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jaribu",
			Subsystem: "cache",
			Name:      "downloads_total",
			Help:      "Binary downloads, by binary and status.",
		}, []string{"binary", "status"}),

		DownloadedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jaribu",
			Subsystem: "cache",
			Name:      "downloaded_bytes_total",
			Help:      "Total bytes downloaded for binary acquisition.",
		}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jaribu",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandboxed command executions.",
		}, []string{"status"}),

		SandboxExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "jaribu",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandboxed command duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jaribu",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jaribu",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jaribu",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "In-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.EnvironmentsCreatedTotal,
		m.ProvisionDuration,
		m.ActiveEnvironments,
		m.TestRunsTotal,
		m.TestRunDuration,
		m.CacheLookupsTotal,
		m.DownloadsTotal,
		m.DownloadedBytesTotal,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
