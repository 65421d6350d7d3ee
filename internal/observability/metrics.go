// Package observability holds the Prometheus instruments and tracing setup.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	CapacityInFlight   *prometheus.GaugeVec
	CapacityRejections *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
	TasksRunning       prometheus.Gauge
	TaskOutcomes       *prometheus.CounterVec
	TaskRetries        prometheus.Counter
	TaskDuration       prometheus.Histogram
	ProviderCalls      *prometheus.CounterVec
	ProviderCost       *prometheus.CounterVec
	ProviderFallbacks  prometheus.Counter
	NotifyFailures     prometheus.Counter
	AuditDropped       prometheus.Counter
}

// NewMetrics registers the instruments on a private registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CapacityInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capacity_in_flight",
			Help:      "In-flight provider calls per capacity window.",
		}, []string{"key"}),
		CapacityRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_rejections_total",
			Help:      "Acquire attempts refused by a capacity window.",
		}, []string{"key", "reason"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queued tasks by priority.",
		}, []string{"priority"}),
		TasksRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Tasks currently executing.",
		}),
		TaskOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Terminal task outcomes by status.",
		}, []string{"status"}),
		TaskRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Task-level retries scheduled.",
		}),
		TaskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of task attempts.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		ProviderCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ProviderCost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_cost_usd_total",
			Help:      "Estimated spend per provider in USD.",
		}, []string{"provider"}),
		ProviderFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fallbacks_total",
			Help:      "Attempts moved to another provider after a rate limit.",
		}),
		NotifyFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_failures_total",
			Help:      "Webhook deliveries that failed.",
		}),
		AuditDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit events dropped because the sink was backed up.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetInFlight records the in-flight count of a capacity window.
func (m *Metrics) SetInFlight(key string, n int) {
	if m == nil {
		return
	}
	m.CapacityInFlight.WithLabelValues(key).Set(float64(n))
}

// CapacityRejected counts an Acquire refused for reason ("concurrency" or "rate").
func (m *Metrics) CapacityRejected(key, reason string) {
	if m == nil {
		return
	}
	m.CapacityRejections.WithLabelValues(key, reason).Inc()
}

// SetQueueDepth records how many tasks wait at a priority.
func (m *Metrics) SetQueueDepth(priority string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(priority).Set(float64(n))
}

// SetRunning records how many tasks are executing.
func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.TasksRunning.Set(float64(n))
}

// TaskFinished counts a terminal outcome.
func (m *Metrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.TaskOutcomes.WithLabelValues(status).Inc()
}

// TaskRetried counts a scheduled retry.
func (m *Metrics) TaskRetried() {
	if m == nil {
		return
	}
	m.TaskRetries.Inc()
}

// ObserveAttempt records the wall time of one task attempt.
func (m *Metrics) ObserveAttempt(d time.Duration) {
	if m == nil {
		return
	}
	m.TaskDuration.Observe(d.Seconds())
}

// ProviderCalled counts a provider call with outcome "ok" or an error class.
func (m *Metrics) ProviderCalled(provider, outcome string) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, outcome).Inc()
}

// AddCost adds estimated spend for provider.
func (m *Metrics) AddCost(provider string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.ProviderCost.WithLabelValues(provider).Add(usd)
}

// FellBack counts a rate-limit fallback.
func (m *Metrics) FellBack() {
	if m == nil {
		return
	}
	m.ProviderFallbacks.Inc()
}

// WebhookFailed counts a failed webhook delivery.
func (m *Metrics) WebhookFailed() {
	if m == nil {
		return
	}
	m.NotifyFailures.Inc()
}

// AuditDrop counts a dropped audit event.
func (m *Metrics) AuditDrop() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}
