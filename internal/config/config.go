// Package config provides gateway configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Plugins    PluginsConfig    `yaml:"plugins"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Admin      AdminConfig      `yaml:"admin"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // 0 disables, needed for long streams
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PluginsConfig controls where extension units come from and how they are reloaded.
type PluginsConfig struct {
	Dir        string        `yaml:"dir"`
	Watch      bool          `yaml:"watch"`
	Debounce   time.Duration `yaml:"debounce"`
	Extensions []string      `yaml:"extensions"`
	PruneStale bool          `yaml:"prune_stale"`
	// RequireServices fails startup when no service could be registered.
	RequireServices bool `yaml:"require_services"`
}

// UpstreamConfig contains outbound HTTP client settings.
type UpstreamConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxIdleConns     int           `yaml:"max_idle_conns"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
	StreamBuffer     int           `yaml:"stream_buffer"`
}

// ResilienceConfig contains gate-wide settings. Breaker and limiter
// thresholds come from each service's own config.
type ResilienceConfig struct {
	IdleTTL time.Duration `yaml:"idle_ttl"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the shared rate limiter backend.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	FailOpen  bool   `yaml:"fail_open"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string  `yaml:"service_name"` // Service name for traces
	SampleRate  float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	Insecure    bool    `yaml:"insecure"`     // Use insecure connection (no TLS)
}

// AdminConfig toggles the read-only admin endpoints.
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			IdleTimeout:     60 * time.Second,
			MaxBodyBytes:    10 << 20,
			ShutdownTimeout: 15 * time.Second,
		},
		Plugins: PluginsConfig{
			Dir:        "./plugins",
			Watch:      true,
			Debounce:   500 * time.Millisecond,
			Extensions: []string{".zip", ".jar"},
		},
		Upstream: UpstreamConfig{
			Timeout:          60 * time.Second,
			MaxIdleConns:     100,
			MaxResponseBytes: 32 << 20,
			StreamBuffer:     64,
		},
		Resilience: ResilienceConfig{
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "espgate:ratelimit:",
				FailOpen:  true,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "espgate",
			SampleRate:  1.0,
			Insecure:    true,
		},
		Admin: AdminConfig{
			Enabled: true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.IdleTimeout < 0 {
		return fmt.Errorf("server timeouts cannot be negative")
	}

	if strings.TrimSpace(c.Plugins.Dir) == "" {
		return fmt.Errorf("plugins.dir is required")
	}
	if c.Plugins.Debounce < 0 {
		return fmt.Errorf("plugins.debounce cannot be negative")
	}
	for i, ext := range c.Plugins.Extensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return fmt.Errorf("plugins.extensions[%d]: %q must start with a dot", i, ext)
		}
	}

	if c.Upstream.Timeout < 0 {
		return fmt.Errorf("upstream.timeout cannot be negative")
	}
	if c.Upstream.MaxIdleConns < 0 {
		return fmt.Errorf("upstream.max_idle_conns cannot be negative")
	}
	if c.Upstream.MaxResponseBytes <= 0 {
		return fmt.Errorf("upstream.max_response_bytes must be positive")
	}
	if c.Upstream.StreamBuffer < 0 {
		return fmt.Errorf("upstream.stream_buffer cannot be negative")
	}

	if c.Resilience.IdleTTL < 0 {
		return fmt.Errorf("resilience.idle_ttl cannot be negative")
	}
	if c.Resilience.Redis.Enabled && c.Resilience.Redis.Addr == "" {
		return fmt.Errorf("resilience.redis.addr is required when redis is enabled")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}
