package main

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/blueberrycongee/espgate/internal/config"
	"github.com/blueberrycongee/espgate/internal/observability"
)

// configReloader applies the settings that can change without a restart.
// Everything else is reported and takes effect on the next start.
type configReloader struct {
	logger     *slog.Logger
	level      *slog.LevelVar
	opts       *serveOptions
	inProgress atomic.Bool

	mu   sync.Mutex
	last *config.Config
}

func newConfigReloader(logger *slog.Logger, level *slog.LevelVar, opts *serveOptions, current *config.Config) *configReloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &configReloader{logger: logger, level: level, opts: opts, last: current}
}

func (r *configReloader) Apply(cfg *config.Config) {
	if !r.inProgress.CompareAndSwap(false, true) {
		r.logger.Warn("config reload already in progress")
		return
	}
	defer r.inProgress.Store(false)

	if r.opts != nil {
		applyOverrides(cfg, r.opts)
	}

	level, err := observability.ParseLevel(cfg.Logging.Level)
	if err != nil {
		r.logger.Warn("keeping log level", "error", err)
	} else if r.level != nil && r.level.Level() != level {
		r.level.Set(level)
		r.logger.Info("log level changed", "level", level.String())
	}

	r.mu.Lock()
	prev := r.last
	r.last = cfg
	r.mu.Unlock()

	if prev != nil && restartRequired(prev, cfg) {
		r.logger.Warn("configuration changed; server, plugin and resilience settings apply after restart")
	}
}

func restartRequired(a, b *config.Config) bool {
	return a.Server != b.Server ||
		a.Upstream != b.Upstream ||
		a.Resilience != b.Resilience ||
		a.Tracing != b.Tracing ||
		a.Metrics != b.Metrics ||
		a.Admin != b.Admin ||
		a.Plugins.Dir != b.Plugins.Dir ||
		a.Plugins.Watch != b.Plugins.Watch ||
		a.Plugins.PruneStale != b.Plugins.PruneStale
}
