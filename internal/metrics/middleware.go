package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts inbound HTTP requests by route class and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total inbound HTTP requests",
		},
		[]string{"method", "status"},
	)

	// HTTPRequestLatency tracks inbound request latency distribution.
	HTTPRequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_latency_seconds",
			Help:      "Inbound HTTP request latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method"},
	)
)

// RecordRequest records the outcome of one proxied request.
func RecordRequest(service, mode string, statusCode int, latency time.Duration) {
	service = sanitizeServiceLabel(service)
	ProxyTotalRequests.WithLabelValues(service, mode, strconv.Itoa(statusCode)).Inc()
	RequestTotalLatency.WithLabelValues(service, mode).Observe(latency.Seconds())
}

// RecordFailure records a request answered with a gateway error.
func RecordFailure(service, kind string) {
	ProxyFailedRequests.WithLabelValues(sanitizeServiceLabel(service), kind).Inc()
}

// RecordUpstream records the latency of one outbound call.
func RecordUpstream(service string, latency time.Duration) {
	UpstreamLatency.WithLabelValues(sanitizeServiceLabel(service)).Observe(latency.Seconds())
}

// RecordTokens records token usage metrics.
func RecordTokens(service string, requestTokens, replyTokens int64) {
	service = sanitizeServiceLabel(service)
	if requestTokens > 0 {
		UsageTokens.WithLabelValues(service, "request").Add(float64(requestTokens))
	}
	if replyTokens > 0 {
		UsageTokens.WithLabelValues(service, "reply").Add(float64(replyTokens))
	}
}

// RecordRejection records a gate rejection.
func RecordRejection(service, reason string) {
	GateRejections.WithLabelValues(sanitizeServiceLabel(service), reason).Inc()
}

// SetCircuitState publishes a breaker state as 0=closed, 1=open, 2=half-open.
func SetCircuitState(service string, state int) {
	CircuitBreakerState.WithLabelValues(sanitizeServiceLabel(service)).Set(float64(state))
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher interface for streaming support.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(recorder, r)

		// Per-service metrics are recorded by the pipeline
		HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(recorder.statusCode)).Inc()
		HTTPRequestLatency.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

const maxServiceLabelLen = 64

// sanitizeServiceLabel bounds label cardinality: service names come from
// request paths, so anything outside a small alphabet is replaced.
func sanitizeServiceLabel(service string) string {
	service = strings.TrimSpace(service)
	if service == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(minInt(len(service), maxServiceLabelLen))
	for _, r := range service {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' || r == '/' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= maxServiceLabelLen {
			break
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
