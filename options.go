package espgate

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/espgate/internal/config"
	"github.com/blueberrycongee/espgate/internal/loader"
	"github.com/blueberrycongee/espgate/internal/proxy"
	"github.com/blueberrycongee/espgate/internal/resilience"
)

// Config holds all configuration for a Gateway.
type Config struct {
	// Plugins
	PluginDir  string
	Extensions []string
	Watch      bool
	Debounce   time.Duration
	PruneStale bool
	// AllowEmpty lets Start succeed with no registered service.
	AllowEmpty bool

	// Upstream calls
	Upstream   proxy.Config
	HTTPClient *http.Client

	// Resilience
	IdleTTL     time.Duration
	Distributed resilience.DistributedLimiter
	FailOpen    bool

	// HTTP surface
	MaxBodyBytes   int64
	MetricsEnabled bool
	MetricsPath    string
	AdminEnabled   bool

	// Observability
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Option is a function that configures the Gateway.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		PluginDir:      "./plugins",
		Extensions:     []string{".zip", ".jar"},
		Debounce:       loader.DefaultDebounce,
		AllowEmpty:     true,
		Upstream:       proxy.DefaultConfig(),
		MaxBodyBytes:   10 << 20,
		MetricsEnabled: true,
		MetricsPath:    "/metrics",
		AdminEnabled:   true,
		Logger:         slog.Default(),
	}
}

// FromConfig translates a gateway configuration file into options. Options
// given after it override it.
func FromConfig(c *config.Config) Option {
	return func(cfg *Config) {
		cfg.PluginDir = c.Plugins.Dir
		cfg.Extensions = c.Plugins.Extensions
		cfg.Watch = c.Plugins.Watch
		cfg.Debounce = c.Plugins.Debounce
		cfg.PruneStale = c.Plugins.PruneStale
		cfg.AllowEmpty = !c.Plugins.RequireServices

		cfg.Upstream.Timeout = c.Upstream.Timeout
		cfg.Upstream.MaxIdleConns = c.Upstream.MaxIdleConns
		cfg.Upstream.MaxResponseBytes = c.Upstream.MaxResponseBytes
		cfg.Upstream.StreamBuffer = c.Upstream.StreamBuffer

		cfg.IdleTTL = c.Resilience.IdleTTL
		cfg.FailOpen = c.Resilience.Redis.FailOpen

		cfg.MaxBodyBytes = c.Server.MaxBodyBytes
		cfg.MetricsEnabled = c.Metrics.Enabled
		cfg.MetricsPath = c.Metrics.Path
		cfg.AdminEnabled = c.Admin.Enabled
	}
}

// WithPluginDir sets the directory plugin archives are read from.
func WithPluginDir(dir string) Option {
	return func(c *Config) {
		c.PluginDir = dir
	}
}

// WithExtensions sets the archive file extensions, e.g. ".zip".
func WithExtensions(exts ...string) Option {
	return func(c *Config) {
		c.Extensions = exts
	}
}

// WithWatch enables reloading when the plugin directory changes.
func WithWatch(enabled bool) Option {
	return func(c *Config) {
		c.Watch = enabled
	}
}

// WithDebounce sets how long file events settle before a reload.
func WithDebounce(d time.Duration) Option {
	return func(c *Config) {
		c.Debounce = d
	}
}

// WithPruneStale removes services whose archive disappeared on reload.
func WithPruneStale(enabled bool) Option {
	return func(c *Config) {
		c.PruneStale = enabled
	}
}

// WithRequireServices makes Start fail with ErrNoPlugins when nothing registers.
func WithRequireServices(required bool) Option {
	return func(c *Config) {
		c.AllowEmpty = !required
	}
}

// WithUpstreamTimeout bounds a standard call, and a streaming call up to its headers.
func WithUpstreamTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Upstream.Timeout = d
	}
}

// WithHTTPClient replaces the outbound HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// WithIdleTTL drops breakers and limiters of services idle for d.
func WithIdleTTL(d time.Duration) Option {
	return func(c *Config) {
		c.IdleTTL = d
	}
}

// WithDistributedLimiter shares rate limits across gateway instances.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	espgate.WithDistributedLimiter(resilience.NewRedisLimiter(rdb, "espgate:ratelimit:"), true)
func WithDistributedLimiter(limiter resilience.DistributedLimiter, failOpen bool) Option {
	return func(c *Config) {
		c.Distributed = limiter
		c.FailOpen = failOpen
	}
}

// WithMaxBodyBytes caps inbound request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Config) {
		c.MaxBodyBytes = n
	}
}

// WithMetrics toggles the Prometheus endpoint.
func WithMetrics(enabled bool, path string) Option {
	return func(c *Config) {
		c.MetricsEnabled = enabled
		if path != "" {
			c.MetricsPath = path
		}
	}
}

// WithAdmin toggles the admin endpoints.
func WithAdmin(enabled bool) Option {
	return func(c *Config) {
		c.AdminEnabled = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithTracer sets the tracer used for pipeline spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Config) {
		c.Tracer = tracer
	}
}
