package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}

	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("default read timeout = %v, want 30s", cfg.Server.ReadTimeout)
	}

	if cfg.Plugins.PruneStale {
		t.Error("stale services should be kept by default")
	}

	if got := strings.Join(cfg.Plugins.Extensions, ","); got != ".zip,.jar" {
		t.Errorf("default extensions = %s, want .zip,.jar", got)
	}

	if !cfg.Metrics.Enabled {
		t.Error("metrics should be enabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "invalid port zero", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "invalid server port"},
		{name: "invalid port too high", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "invalid server port"},
		{name: "zero body limit", mutate: func(c *Config) { c.Server.MaxBodyBytes = 0 }, wantErr: "max_body_bytes"},
		{name: "negative timeout", mutate: func(c *Config) { c.Server.IdleTimeout = -time.Second }, wantErr: "timeouts"},
		{name: "no plugin dir", mutate: func(c *Config) { c.Plugins.Dir = " " }, wantErr: "plugins.dir"},
		{name: "negative debounce", mutate: func(c *Config) { c.Plugins.Debounce = -1 }, wantErr: "debounce"},
		{name: "extension without dot", mutate: func(c *Config) { c.Plugins.Extensions = []string{"zip"} }, wantErr: "must start with a dot"},
		{name: "negative upstream timeout", mutate: func(c *Config) { c.Upstream.Timeout = -1 }, wantErr: "upstream.timeout"},
		{name: "zero response limit", mutate: func(c *Config) { c.Upstream.MaxResponseBytes = 0 }, wantErr: "max_response_bytes"},
		{name: "negative stream buffer", mutate: func(c *Config) { c.Upstream.StreamBuffer = -1 }, wantErr: "stream_buffer"},
		{name: "negative idle ttl", mutate: func(c *Config) { c.Resilience.IdleTTL = -1 }, wantErr: "idle_ttl"},
		{
			name: "redis without addr",
			mutate: func(c *Config) {
				c.Resilience.Redis.Enabled = true
				c.Resilience.Redis.Addr = ""
			},
			wantErr: "redis.addr",
		},
		{name: "relative metrics path", mutate: func(c *Config) { c.Metrics.Path = "metrics" }, wantErr: "metrics.path"},
		{
			name: "tracing sample rate",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.SampleRate = 1.5
			},
			wantErr: "sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("ESPGATE_TEST_PLUGIN_DIR", "/opt/espgate/plugins")
	t.Setenv("ESPGATE_TEST_REDIS_PASSWORD", "s3cret")

	path := createTempFile(t, `
server:
  port: 9090
  read_timeout: 10s
plugins:
  dir: ${ESPGATE_TEST_PLUGIN_DIR}
  watch: false
  prune_stale: true
  extensions: [".zip"]
upstream:
  timeout: 5s
resilience:
  idle_ttl: 10m
  redis:
    enabled: true
    addr: redis:6379
    password: ${ESPGATE_TEST_REDIS_PASSWORD}
logging:
  level: debug
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("read timeout = %v, want 10s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.IdleTimeout != 60*time.Second {
		t.Errorf("idle timeout should keep its default, got %v", cfg.Server.IdleTimeout)
	}
	if cfg.Plugins.Dir != "/opt/espgate/plugins" {
		t.Errorf("plugin dir = %q, env var not expanded", cfg.Plugins.Dir)
	}
	if cfg.Plugins.Watch || !cfg.Plugins.PruneStale {
		t.Errorf("plugins = %+v", cfg.Plugins)
	}
	if len(cfg.Plugins.Extensions) != 1 {
		t.Errorf("extensions = %v, want [.zip]", cfg.Plugins.Extensions)
	}
	if cfg.Upstream.Timeout != 5*time.Second {
		t.Errorf("upstream timeout = %v, want 5s", cfg.Upstream.Timeout)
	}
	if cfg.Resilience.IdleTTL != 10*time.Minute {
		t.Errorf("idle ttl = %v, want 10m", cfg.Resilience.IdleTTL)
	}
	if cfg.Resilience.Redis.Password != "s3cret" || cfg.Resilience.Redis.KeyPrefix != "espgate:ratelimit:" {
		t.Errorf("redis = %+v", cfg.Resilience.Redis)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := createTempFile(t, "server: [not a map")
	if _, err := LoadFromFile(path); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("expected parse error, got %v", err)
	}

	path = createTempFile(t, "server:\n  port: -1\n")
	if _, err := LoadFromFile(path); err == nil || !strings.Contains(err.Error(), "validate config") {
		t.Errorf("expected validation error, got %v", err)
	}
}

func createTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
