package proxy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/blueberrycongee/espgate/internal/httputil"
	"github.com/blueberrycongee/espgate/internal/metrics"
	"github.com/blueberrycongee/espgate/internal/observability"
	"github.com/blueberrycongee/espgate/internal/plugin"
	"github.com/blueberrycongee/espgate/internal/registry"
	"github.com/blueberrycongee/espgate/internal/resilience"
	"github.com/blueberrycongee/espgate/internal/streaming"
	"github.com/blueberrycongee/espgate/pkg/types"
)

const maxErrorSnippet = 512

// UpstreamStatusError is an upstream reply with a 4xx or 5xx status.
type UpstreamStatusError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// breakerOutcome decides what a finished call means for the circuit breaker.
// A 4xx reply says nothing about upstream health and counts as a success.
func breakerOutcome(err error) error {
	if se, ok := err.(*UpstreamStatusError); ok && se.StatusCode < http.StatusInternalServerError {
		return nil
	}
	return err
}

// boundProxy is the Proxy callback handed to one handler. It routes every
// call through the gate of the service the handler was created for.
type boundProxy struct {
	p      *Pipeline
	md     *registry.Metadata
	logger *slog.Logger

	mu      sync.Mutex
	streams []*resilience.Permit
}

var _ plugin.Proxy = (*boundProxy)(nil)

func (b *boundProxy) service() string { return b.md.ServiceName() }

func (b *boundProxy) admit(ctx context.Context) (*resilience.Permit, error) {
	props := b.md.Properties
	return b.p.gate.Admit(ctx, b.service(), BreakerConfig(props.CircuitBreaker), LimiterConfig(props.RateLimiter))
}

// ExecuteRequest issues one gated outbound call and buffers the reply.
func (b *boundProxy) ExecuteRequest(ctx context.Context, req *types.Request) (*types.Response, error) {
	permit, err := b.admit(ctx)
	if err != nil {
		return nil, err
	}

	if b.p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.p.cfg.Timeout)
		defer cancel()
	}

	resp, err := b.send(ctx, req)
	if err != nil {
		permit.Done(err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := httputil.ReadLimitedBody(resp.Body, b.p.cfg.MaxResponseBytes)
	if err != nil {
		err = fmt.Errorf("read upstream response: %w", err)
		permit.Done(err)
		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		err := b.statusError(resp.StatusCode, body)
		permit.Done(breakerOutcome(err))
		return nil, err
	}
	permit.Done(nil)

	header := make(http.Header, len(resp.Header))
	httputil.CopyResponseHeader(header, resp.Header)
	return &types.Response{StatusCode: resp.StatusCode, Header: header, Body: body}, nil
}

// ExecuteStreamingRequest issues one gated outbound call and relays the raw
// event stream. The gate permit is settled when the stream ends.
func (b *boundProxy) ExecuteStreamingRequest(ctx context.Context, req *types.Request) (<-chan types.EventResult, error) {
	permit, err := b.admit(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := b.send(ctx, req)
	if err != nil {
		permit.Done(err)
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := httputil.ReadLimitedBody(resp.Body, maxErrorSnippet) //nolint:errcheck // best effort snippet
		resp.Body.Close()
		err := b.statusError(resp.StatusCode, body)
		permit.Done(breakerOutcome(err))
		return nil, err
	}

	b.mu.Lock()
	b.streams = append(b.streams, permit)
	b.mu.Unlock()

	return streaming.Pump(ctx, resp.Body, b.p.cfg.StreamBuffer, b.p.cfg.MaxLineSize, permit.Done), nil
}

// CleanCacheForService drops the gate instances of a service.
func (b *boundProxy) CleanCacheForService(serviceName string) {
	b.p.gate.Evict(serviceName)
}

// settleStreams records every open stream of this handler as successful.
// Called once the end-of-stream chunk was relayed, so a later cancellation
// of the upstream read does not count against the breaker.
func (b *boundProxy) settleStreams() {
	b.mu.Lock()
	streams := b.streams
	b.streams = nil
	b.mu.Unlock()
	for _, p := range streams {
		p.Done(nil)
	}
}

func (b *boundProxy) send(ctx context.Context, req *types.Request) (*http.Response, error) {
	target := req.URL
	if target == "" {
		target = b.md.TargetURI
	}
	out := *req
	out.URL = target
	fullURL, err := out.TargetURL()
	if err != nil {
		return nil, fmt.Errorf("build target url: %w", err)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}
	b.md.Properties.CustomHeaders.ApplyTo(httpReq.Header)

	if b.logger.Enabled(ctx, slog.LevelDebug) {
		b.logger.Debug("outbound request",
			"method", method,
			"url", fullURL,
			"headers", b.p.redactor.RedactHeaders(httpReq.Header),
		)
	}

	start := time.Now()
	resp, err := b.p.client.Do(httpReq)
	metrics.RecordUpstream(b.service(), time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	observability.RecordUpstreamResponse(observability.SpanFromContext(ctx), resp.StatusCode)
	return resp, nil
}

func (b *boundProxy) statusError(status int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrorSnippet {
		snippet = snippet[:maxErrorSnippet]
	}
	snippet = b.p.redactor.Redact(snippet)
	b.logger.Warn("upstream returned error status", "status", status, "body", snippet)
	return &UpstreamStatusError{StatusCode: status, Body: snippet}
}

// BreakerConfig converts plugin breaker settings.
func BreakerConfig(c plugin.CircuitBreakerConfig) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		SlidingWindowSize:        c.SlidingWindowSize,
		FailureRateThreshold:     c.FailureRateThreshold,
		WaitDurationInOpenState:  c.WaitDurationInOpenState.Std(),
		PermittedCallsInHalfOpen: c.PermittedCallsInHalfOpen,
	}
}

// LimiterConfig converts plugin limiter settings.
func LimiterConfig(c plugin.RateLimiterConfig) resilience.RateLimiterConfig {
	return resilience.RateLimiterConfig{
		LimitForPeriod:     c.LimitForPeriod,
		LimitRefreshPeriod: c.LimitRefreshPeriod.Std(),
		TimeoutDuration:    c.TimeoutDuration.Std(),
	}
}
