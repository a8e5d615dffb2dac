// Package metrics provides Prometheus metrics collection for the gateway.
// It tracks proxied requests, upstream latency, stream relays, resilience
// gate decisions and plugin reloads.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "espgate"
)

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.005, 0.0125, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.0, 3.0, 5.0, 7.5, 10.0, 15.0, 20.0,
	30.0, 60.0, 120.0, 300.0,
}

// =============================================================================
// Request Metrics
// =============================================================================

var (
	// ProxyTotalRequests counts proxied requests by service and final status.
	ProxyTotalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_total_requests",
			Help:      "Total number of proxied requests",
		},
		[]string{"service", "mode", "status_code"},
	)

	// ProxyFailedRequests counts requests answered with a synthesized error response.
	ProxyFailedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_failed_requests",
			Help:      "Total number of proxied requests that ended in a gateway error",
		},
		[]string{"service", "error_kind"},
	)
)

// =============================================================================
// Latency Metrics
// =============================================================================

var (
	// RequestTotalLatency tracks end-to-end pipeline latency.
	RequestTotalLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_total_latency_seconds",
			Help:      "Total request latency in seconds (end-to-end)",
			Buckets:   LatencyBuckets,
		},
		[]string{"service", "mode"},
	)

	// UpstreamLatency tracks outbound call latency up to response headers.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"service"},
	)

	// TimeToFirstChunk tracks the delay before the first streamed chunk.
	TimeToFirstChunk = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_chunk_seconds",
			Help:      "Time to first chunk for streaming requests",
			Buckets:   LatencyBuckets,
		},
		[]string{"service"},
	)
)

// =============================================================================
// Stream Metrics
// =============================================================================

var (
	// StreamChunks counts chunks relayed to callers.
	StreamChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Total stream chunks relayed",
		},
		[]string{"service"},
	)

	// StreamsFinished counts streams by how they ended.
	StreamsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_finished_total",
			Help:      "Total streams by outcome (terminated, eof, error, canceled)",
		},
		[]string{"service", "outcome"},
	)

	// UsageTokens counts tokens reported by usage metrics.
	UsageTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_tokens_total",
			Help:      "Total tokens reported in usage metrics",
		},
		[]string{"service", "type"},
	)
)

// =============================================================================
// Resilience Metrics
// =============================================================================

var (
	// GateRejections counts calls rejected before reaching the upstream.
	GateRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_rejections_total",
			Help:      "Total calls rejected by the resilience gate",
		},
		[]string{"service", "reason"},
	)

	// CircuitBreakerState tracks circuit breaker status.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)
)

// =============================================================================
// Plugin Metrics
// =============================================================================

var (
	// PluginReloads counts reloads of the plugin directory.
	PluginReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_reloads_total",
			Help:      "Total plugin directory reloads by outcome",
		},
		[]string{"outcome"},
	)

	// PluginLoadFailures counts extension units skipped during a load.
	PluginLoadFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_load_failures_total",
			Help:      "Total extension units skipped because they failed to load",
		},
	)

	// RegisteredServices is the number of services in the registry.
	RegisteredServices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_services",
			Help:      "Number of services currently registered",
		},
	)
)
