package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/makex/orchestrator/internal/sandbox"
)

// Metrics holds all Prometheus metrics for the orchestrator
type Metrics struct {
	gatherer prometheus.Gatherer

	// Sandbox metrics
	SandboxesByStatus  *prometheus.GaugeVec
	SandboxTransitions *prometheus.CounterVec

	// Provider metrics
	ProviderCalls        *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec

	// Task metrics
	TaskRuns     *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
	CronRuns     *prometheus.CounterVec

	// Proxy metrics
	ProxyWrites *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg uses a fresh private registry.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		gatherer: reg,

		SandboxesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sandboxes",
			Help:      "Number of sandbox rows per status",
		}, []string{"status"}),
		SandboxTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_transitions_total",
			Help:      "Total number of sandbox status transitions",
		}, []string{"from", "to"}),

		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Total number of sandbox provider calls",
		}, []string{"provider", "operation", "status"}),
		ProviderCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Duration of sandbox provider calls",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider", "operation"}),

		TaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Total number of lifecycle task attempts",
		}, []string{"task", "outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of lifecycle task attempts",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"task"}),
		CronRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_runs_total",
			Help:      "Total number of cron job runs",
		}, []string{"job", "outcome"}),

		ProxyWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_writes_total",
			Help:      "Total number of proxy routing table writes",
		}, []string{"kind", "status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "Size of HTTP responses",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.SandboxesByStatus,
		m.SandboxTransitions,
		m.ProviderCalls,
		m.ProviderCallDuration,
		m.TaskRuns,
		m.TaskDuration,
		m.CronRuns,
		m.ProxyWrites,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// SetSandboxCounts replaces the per-status gauge values
func (m *Metrics) SetSandboxCounts(counts map[sandbox.Status]int64) {
	for _, s := range sandbox.AllStatuses() {
		m.SandboxesByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// RecordTransition records a sandbox status change
func (m *Metrics) RecordTransition(from, to sandbox.Status) {
	if from == "" {
		from = "new"
	}
	m.SandboxTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordProviderCall records a provider call
func (m *Metrics) RecordProviderCall(provider sandbox.ProviderName, operation string, d time.Duration, err error) {
	m.ProviderCalls.WithLabelValues(string(provider), operation, statusLabel(err)).Inc()
	m.ProviderCallDuration.WithLabelValues(string(provider), operation).Observe(d.Seconds())
}

// ObserveTask records a task attempt
func (m *Metrics) ObserveTask(taskID, outcome string, d time.Duration) {
	m.TaskRuns.WithLabelValues(taskID, outcome).Inc()
	m.TaskDuration.WithLabelValues(taskID).Observe(d.Seconds())
}

// RecordCronRun records a cron job run
func (m *Metrics) RecordCronRun(job string, err error) {
	m.CronRuns.WithLabelValues(job, statusLabel(err)).Inc()
}

// RecordProxyWrite records a routing table write
func (m *Metrics) RecordProxyWrite(kind string, err error) {
	m.ProxyWrites.WithLabelValues(kind, statusLabel(err)).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64, size int) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	m.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(size))
}
