// Package proxy implements the request pipeline: it resolves the inbound
// path to a registered service, builds the service's handler, and runs the
// standard or streaming executor behind the resilience gate. Failures never
// escape Serve; they are converted into plain-text responses.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/espgate/internal/metrics"
	"github.com/blueberrycongee/espgate/internal/observability"
	"github.com/blueberrycongee/espgate/internal/plugin"
	"github.com/blueberrycongee/espgate/internal/registry"
	"github.com/blueberrycongee/espgate/internal/resilience"
	"github.com/blueberrycongee/espgate/internal/streaming"
	gwerrors "github.com/blueberrycongee/espgate/pkg/errors"
	"github.com/blueberrycongee/espgate/pkg/metric"
	"github.com/blueberrycongee/espgate/pkg/types"
)

// Header names used by the pipeline.
const (
	HeaderUsageMetrics     = "X-GMKP-XSP-USAGEMETRICS"
	HeaderTechnicalMetrics = "X-GMKP-XSP-TECHNICALMETRICS"
	HeaderServiceRef       = "X-GMKP-XSP-SERVICE-REF"

	// DefaultServiceRef is reported when the caller sent no service reference.
	DefaultServiceRef = "SERVICEREF_NOT_SET_IN_HEADER"
)

// Request modes used as metric labels.
const (
	ModeStandard  = "standard"
	ModeStreaming = "streaming"
)

// Config tunes outbound calls.
type Config struct {
	// Timeout bounds a standard call end to end and a streaming call up to its response headers.
	Timeout          time.Duration
	MaxIdleConns     int
	MaxResponseBytes int64
	// StreamBuffer is the capacity of the per-request event channels.
	StreamBuffer int
	MaxLineSize  int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          60 * time.Second,
		MaxIdleConns:     100,
		MaxResponseBytes: 10 * 1024 * 1024,
		StreamBuffer:     streaming.DefaultChannelSize,
		MaxLineSize:      streaming.DefaultMaxLineSize,
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithHTTPClient replaces the outbound client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) { p.client = c }
}

// WithTracer sets the tracer used for pipeline spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// Pipeline serves inbound calls against the registry and the gate.
// It is safe for concurrent use.
type Pipeline struct {
	registry *registry.Registry
	gate     *resilience.Gate
	cfg      Config
	client   *http.Client
	tracer   trace.Tracer
	logger   *slog.Logger
	redactor *observability.Redactor
}

// New creates a pipeline.
func New(reg *registry.Registry, gate *resilience.Gate, cfg Config, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = def.StreamBuffer
	}
	if cfg.MaxLineSize <= 0 {
		cfg.MaxLineSize = def.MaxLineSize
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}

	p := &Pipeline{
		registry: reg,
		gate:     gate,
		cfg:      cfg,
		redactor: observability.NewRedactor(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "pipeline")
	if p.tracer == nil {
		p.tracer = otel.Tracer(observability.TracerName)
	}
	if p.client == nil {
		p.client = newHTTPClient(cfg)
	}
	return p
}

func newHTTPClient(cfg Config) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns / 10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ForceAttemptHTTP2:     true,
	}
	// No client-wide Timeout: it would cut long-lived streams.
	return &http.Client{Transport: observability.NewTransport(transport)}
}

// Result is the outcome of one pipeline run: a buffered response, or an
// event stream with the headers to send before it.
type Result struct {
	Service  string
	Response *types.Response
	Stream   <-chan types.EventResult
	Header   http.Header
	cancel   context.CancelFunc
}

// IsStream reports whether the result carries an event stream.
func (r *Result) IsStream() bool { return r.Stream != nil }

// Close releases the upstream call of a stream. Safe to call on any result.
func (r *Result) Close() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Serve runs one inbound call through the pipeline. It never returns an
// error: every failure is rendered as a response.
func (p *Pipeline) Serve(ctx context.Context, req *types.Request) *Result {
	start := time.Now()
	service := req.Path
	serviceRef := ServiceRef(req.Header)
	logger := observability.WithRequestID(ctx, p.logger).With("service", service, "service_ref", serviceRef)

	ctx, span := observability.StartProxySpan(ctx, p.tracer, observability.ProxySpanAttributes{
		Service:    service,
		ServiceRef: serviceRef,
	})
	defer span.End()

	res, err := p.serve(ctx, req, serviceRef, start, logger)
	if err == nil {
		return res
	}

	ge := gwerrors.AsGatewayError(service, err)
	observability.RecordError(span, ge)
	metrics.RecordFailure(service, string(ge.Kind))
	if gwerrors.IsClientError(ge) {
		logger.Info("request rejected", "kind", ge.Kind, "error", ge)
	} else {
		logger.Warn("request failed", "kind", ge.Kind, "error", ge)
	}
	resp := gwerrors.ToResponse(service, ge)
	metrics.RecordRequest(service, "error", resp.StatusCode, time.Since(start))
	return &Result{Service: service, Response: resp}
}

// serve converts a panic raised by plugin code into a downstream error so
// the caller gets the fallback response.
func (p *Pipeline) serve(ctx context.Context, req *types.Request, serviceRef string, start time.Time, logger *slog.Logger) (res *Result, err error) {
	service := req.Path
	defer func() {
		if r := recover(); r != nil {
			logger.Error("plugin panic", "panic", r, "stack", string(debug.Stack()))
			res, err = nil, gwerrors.NewDownstreamError(service, fmt.Errorf("panic: %v", r))
		}
	}()

	md, err := p.registry.Lookup(service)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, gwerrors.NewUnknownServiceError(service)
		}
		return nil, err
	}
	if md.Properties == nil {
		return nil, gwerrors.NewRoutingConfigError(service, plugin.ErrNoServiceProperties.Error(), nil)
	}
	if md.TargetURI == "" {
		return nil, gwerrors.NewRoutingConfigError(service, plugin.ErrNoTargetURL.Error(), nil)
	}

	bound := &boundProxy{p: p, md: md, logger: logger}
	handler, err := md.Factory.NewHandler(bound)
	if err != nil || handler == nil {
		if err == nil {
			err = errors.New("factory returned no handler")
		}
		return nil, gwerrors.NewHandlerCreationError(service, err)
	}

	inbound := req.Header.Clone()
	if inbound == nil {
		inbound = make(http.Header)
	}
	out := req.Clone()
	out.URL = md.TargetURI
	out.Header = handler.CustomizeHeaders(inbound, req.Body)
	if out.Header == nil {
		out.Header = make(http.Header)
	}

	stream := handler.IsStreamRequested(req)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Bool("espgate.stream", stream),
		attribute.String("espgate.plugin_id", md.PluginID),
	)

	exec := executor{
		handler:     handler,
		bound:       bound,
		service:     service,
		serviceRef:  serviceRef,
		requestBody: req.Body,
		start:       start,
		logger:      logger,
	}
	if stream {
		return exec.streaming(ctx, out, p.cfg.StreamBuffer)
	}
	return exec.standard(ctx, out)
}

// executor holds the per-request state shared by both execution paths.
type executor struct {
	handler     plugin.Handler
	bound       *boundProxy
	service     string
	serviceRef  string
	requestBody []byte
	start       time.Time
	logger      *slog.Logger
}

func (e *executor) technical(elapsed time.Duration) *metric.Metrics {
	tm := &metric.Metrics{}
	tm.AddToComponent(e.serviceRef, e.service,
		metric.Int(metric.NameServiceResponseTime, elapsed.Milliseconds(), metric.UnitResponseTime))
	return tm
}

// standard runs the buffered path: one gated call, then both metric sets
// attached as headers with status and body untouched.
func (e *executor) standard(ctx context.Context, req *types.Request) (*Result, error) {
	callStart := time.Now()
	resp, err := e.handler.HandleRequest(ctx, req)
	elapsed := time.Since(callStart)
	if err != nil {
		return nil, gwerrors.NewDownstreamError(e.service, err)
	}
	if resp == nil {
		return nil, gwerrors.NewDownstreamError(e.service, errors.New("handler returned no response"))
	}

	usage, err := e.handler.UsageMetrics(e.requestBody, resp)
	if err != nil || usage == nil {
		if err != nil {
			e.logger.Warn("usage metrics unavailable", "error", err)
		}
		usage = &metric.Metrics{}
	}
	recordUsage(e.service, usage)

	usageJSON, err := json.Marshal(usage)
	if err != nil {
		return nil, gwerrors.NewDownstreamError(e.service, fmt.Errorf("encode usage metrics: %w", err))
	}
	techJSON, err := json.Marshal(e.technical(elapsed))
	if err != nil {
		return nil, gwerrors.NewDownstreamError(e.service, fmt.Errorf("encode technical metrics: %w", err))
	}

	out := &types.Response{StatusCode: resp.StatusCode, Body: resp.Body}
	out.Header = resp.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	out.Header.Set(HeaderUsageMetrics, string(usageJSON))
	out.Header.Set(HeaderTechnicalMetrics, string(techJSON))

	metrics.RecordRequest(e.service, ModeStandard, out.StatusCode, time.Since(e.start))
	e.logger.Debug("request served", "status", out.StatusCode, "elapsed_ms", elapsed.Milliseconds())
	return &Result{Service: e.service, Response: out}, nil
}

// streaming runs the event path: the handler's raw upstream stream is fed
// through a relay that substitutes the end-of-stream chunk.
func (e *executor) streaming(ctx context.Context, req *types.Request, buffer int) (*Result, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	started := false
	defer func() {
		if !started {
			cancel()
		}
	}()

	events, err := e.handler.HandleStreamingRequest(streamCtx, req)
	if err != nil {
		return nil, gwerrors.NewDownstreamError(e.service, err)
	}

	body := e.requestBody
	relay := streaming.NewRelay(streaming.RelayConfig{
		Detector: e.handler,
		Usage: func(chunks []string) (*metric.Metrics, error) {
			return e.handler.StreamUsageMetrics(body, chunks)
		},
		ServiceRef:  e.serviceRef,
		ServicePath: e.service,
		Start:       e.start,
		BufferSize:  buffer,
		Logger:      e.logger,
		OnChunk: func(index int) {
			if index == 0 {
				metrics.TimeToFirstChunk.WithLabelValues(e.service).Observe(time.Since(e.start).Seconds())
			}
			metrics.StreamChunks.WithLabelValues(e.service).Inc()
		},
		OnTerminate: func(usage, _ *metric.Metrics) {
			e.bound.settleStreams()
			recordUsage(e.service, usage)
		},
		OnDone: func(outcome streaming.Outcome, err error) {
			cancel()
			metrics.StreamsFinished.WithLabelValues(e.service, string(outcome)).Inc()
			metrics.RecordRequest(e.service, ModeStreaming, http.StatusOK, time.Since(e.start))
			if outcome == streaming.OutcomeError {
				e.logger.Warn("stream ended with upstream error", "error", err)
				return
			}
			e.logger.Debug("stream finished", "outcome", outcome)
		},
	})

	started = true
	return &Result{
		Service: e.service,
		Stream:  relay.Run(streamCtx, events),
		Header:  make(http.Header),
		cancel:  cancel,
	}, nil
}

func recordUsage(service string, usage *metric.Metrics) {
	var request, reply int64
	if m, ok := usage.Get(metric.NameRequestTokenCount); ok {
		request, _ = m.Int64()
	}
	if m, ok := usage.Get(metric.NameReplyTokenCount); ok {
		reply, _ = m.Int64()
	}
	metrics.RecordTokens(service, request, reply)
}

// ServiceRef extracts the service reference from inbound headers.
func ServiceRef(h http.Header) string {
	if ref := strings.TrimSpace(h.Get(HeaderServiceRef)); ref != "" {
		return ref
	}
	return DefaultServiceRef
}
