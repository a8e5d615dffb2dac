// Package espgate is a plugin-driven reverse-proxy gateway usable as a Go
// library.
//
// Services are contributed by plugin archives dropped into a directory.
// Every call is routed by its path to the registered service, passes the
// service's circuit breaker and rate limiter, and is forwarded by the
// service's handler. Replies carry usage and technical metrics; streamed
// replies carry them in a synthetic end-of-stream event.
//
// Basic usage:
//
//	gw, err := espgate.New(
//	    espgate.WithPluginDir("./plugins"),
//	    espgate.WithWatch(true),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer gw.Close()
//
//	if err := gw.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	http.ListenAndServe(":8080", gw.Handler())
package espgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/blueberrycongee/espgate/internal/api"
	"github.com/blueberrycongee/espgate/internal/loader"
	"github.com/blueberrycongee/espgate/internal/metrics"
	"github.com/blueberrycongee/espgate/internal/proxy"
	"github.com/blueberrycongee/espgate/internal/registry"
	"github.com/blueberrycongee/espgate/internal/resilience"
	"github.com/blueberrycongee/espgate/pkg/types"
)

// Version is the current version of espgate.
const Version = "1.0.0"

// Re-export the values exchanged with the pipeline.
type (
	// Request is one inbound call.
	Request = types.Request

	// Response is a buffered reply.
	Response = types.Response

	// Event is one server-sent event.
	Event = types.Event

	// Result is the outcome of one pipeline run.
	Result = proxy.Result

	// ReloadResult describes one plugin reload.
	ReloadResult = loader.ReloadResult

	// GateStats is the resilience state of one service.
	GateStats = resilience.GateStats
)

// ErrNoPlugins is returned by Start when no service could be registered.
var ErrNoPlugins = loader.ErrNoPlugins

// ServiceInfo describes one registered service.
type ServiceInfo struct {
	Name          string
	PluginID      string
	PluginVersion string
	TargetURI     string
}

// Gateway wires the registry, the resilience gate, the plugin loader and
// the request pipeline together.
type Gateway struct {
	config *Config
	logger *slog.Logger

	registry    *registry.Registry
	gate        *resilience.Gate
	loader      *loader.Loader
	coordinator *loader.Coordinator
	pipeline    *proxy.Pipeline
	handler     http.Handler

	closeOnce sync.Once
}

// New creates a gateway. No plugin is loaded until Start.
func New(opts ...Option) (*Gateway, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.PluginDir == "" {
		return nil, errors.New("espgate: plugin directory is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		return nil, fmt.Errorf("espgate: max body bytes must be positive, got %d", cfg.MaxBodyBytes)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger

	g := &Gateway{
		config:   cfg,
		logger:   logger,
		registry: registry.New(logger),
	}

	g.gate = resilience.NewGate(resilience.GateConfig{
		IdleTTL:     cfg.IdleTTL,
		Distributed: cfg.Distributed,
		FailOpen:    cfg.FailOpen,
		OnStateChange: func(service string, _, to resilience.CircuitState) {
			metrics.SetCircuitState(service, int(to))
		},
		OnReject: func(service string, err error) {
			metrics.RecordRejection(service, rejectReason(err))
		},
		Logger: logger,
	})

	g.loader = loader.New(cfg.PluginDir, cfg.Extensions, logger)
	g.coordinator = loader.NewCoordinator(g.loader, g.registry, g.gate, loader.CoordinatorConfig{
		Watch:      cfg.Watch,
		Debounce:   cfg.Debounce,
		PruneStale: cfg.PruneStale,
		AllowEmpty: cfg.AllowEmpty,
	}, logger)

	pipeOpts := []proxy.Option{proxy.WithLogger(logger)}
	if cfg.HTTPClient != nil {
		pipeOpts = append(pipeOpts, proxy.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.Tracer != nil {
		pipeOpts = append(pipeOpts, proxy.WithTracer(cfg.Tracer))
	}
	g.pipeline = proxy.New(g.registry, g.gate, cfg.Upstream, pipeOpts...)

	var admin *api.AdminHandler
	if cfg.AdminEnabled {
		admin = api.NewAdminHandler(g.registry, g.gate, g.coordinator, logger)
	}
	g.handler = api.NewRouter(api.RouterConfig{
		MetricsEnabled: cfg.MetricsEnabled,
		MetricsPath:    cfg.MetricsPath,
		AdminEnabled:   cfg.AdminEnabled,
	},
		api.NewHandler(g.pipeline, cfg.MaxBodyBytes, logger),
		admin,
		api.NewHealth(g.registry.Len),
		logger,
	)

	return g, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, resilience.ErrRateLimited):
		return "rate_limited"
	default:
		return "other"
	}
}

// Start loads the plugin directory and, if enabled, starts watching it.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.coordinator.Start(ctx); err != nil {
		return err
	}
	g.logger.Info("espgate started",
		"version", Version,
		"plugin_dir", g.config.PluginDir,
		"services", g.registry.Len(),
	)
	return nil
}

// Reload reads the plugin directory again.
func (g *Gateway) Reload(ctx context.Context) (*ReloadResult, error) {
	return g.coordinator.Reload(ctx)
}

// Handler returns the HTTP surface: proxy, health, metrics and admin routes.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Serve runs one call through the pipeline without the HTTP layer. The
// caller must Close the result.
func (g *Gateway) Serve(ctx context.Context, req *Request) *Result {
	return g.pipeline.Serve(ctx, req)
}

// Services lists the registered services sorted by name.
func (g *Gateway) Services() []ServiceInfo {
	mds := g.registry.List()
	out := make([]ServiceInfo, 0, len(mds))
	for _, md := range mds {
		out = append(out, ServiceInfo{
			Name:          md.ServiceName(),
			PluginID:      md.PluginID,
			PluginVersion: md.PluginVersion,
			TargetURI:     md.TargetURI,
		})
	}
	return out
}

// Stats returns the resilience state of a service.
func (g *Gateway) Stats(service string) GateStats {
	return g.gate.Stats(service)
}

// Close stops the watch loop and every plugin unit. Registered services
// keep answering until the process stops serving.
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		err = g.coordinator.Close()
		g.logger.Info("espgate closed")
	})
	return err
}
