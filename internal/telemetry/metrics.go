// Package telemetry provides observability primitives for the llmux proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	QueueWait        *prometheus.HistogramVec
	KeysAvailable    *prometheus.GaugeVec
	KeyRetries       *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	PromptLogQueue   prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmux",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "llmux",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llmux",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "llmux",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"service", "family"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmux",
			Name:      "upstream_errors_total",
			Help:      "Total upstream errors.",
		}, []string{"service", "status"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmux",
			Name:      "queue_depth",
			Help:      "Requests waiting for a key, per service/family shard.",
		}, []string{"shard"}),

		QueueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "llmux",
			Name:                            "queue_wait_seconds",
			Help:                            "Time spent waiting for a key.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"service", "family"}),

		KeysAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmux",
			Name:      "keys_available",
			Help:      "Enabled keys per service.",
		}, []string{"service"}),

		KeyRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmux",
			Name:      "key_retries_total",
			Help:      "Requests retried on a fresh key after an upstream rate limit.",
		}, []string{"service"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmux",
			Name:      "tokens_processed_total",
			Help:      "Total tokens counted, prompt and completion.",
		}, []string{"family", "type"}),

		PromptLogQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llmux",
			Name:      "prompt_log_queue_length",
			Help:      "Current number of queued prompt log records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.QueueDepth,
		m.QueueWait,
		m.KeysAvailable,
		m.KeyRetries,
		m.TokensProcessed,
		m.PromptLogQueue,
	)

	return m
}
