package loader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/blueberrycongee/espgate/internal/metrics"
	"github.com/blueberrycongee/espgate/internal/plugin"
	"github.com/blueberrycongee/espgate/internal/registry"
	gwerrors "github.com/blueberrycongee/espgate/pkg/errors"
)

// DefaultDebounce is how long the watcher waits for a burst of file events to settle.
const DefaultDebounce = 500 * time.Millisecond

// Evicter drops cached per-service state. *resilience.Gate satisfies it.
type Evicter interface {
	Evict(service string)
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Watch enables the directory watch loop.
	Watch bool
	// Debounce coalesces file events. Zero means DefaultDebounce.
	Debounce time.Duration
	// PruneStale removes services whose unit disappeared on reload.
	PruneStale bool
	// AllowEmpty lets Start succeed when no service could be registered.
	AllowEmpty bool
}

// ReloadResult describes one full reload.
type ReloadResult struct {
	// Loaded lists the plugin ids resolved from the directory.
	Loaded []string
	// Failed maps archive path (or plugin id) to why it was skipped.
	Failed   map[string]error
	Registry registry.ApplyResult
	Duration time.Duration
}

// Coordinator keeps the registry in step with the plugin directory.
// Reloads are serialized; the watch loop runs on a single goroutine.
type Coordinator struct {
	loader   *Loader
	registry *registry.Registry
	gate     Evicter
	config   CoordinatorConfig
	logger   *slog.Logger

	mu     sync.Mutex // serializes reloads and guards active
	active []*Loaded

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewCoordinator creates a coordinator. gate may be nil.
func NewCoordinator(l *Loader, reg *registry.Registry, gate Evicter, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		loader:   l,
		registry: reg,
		gate:     gate,
		config:   cfg,
		logger:   logger.With("component", "reload_coordinator"),
	}
}

// Start performs the initial load and, if enabled, starts watching the
// directory. A watch failure is logged and leaves the loaded routing in place.
func (c *Coordinator) Start(ctx context.Context) error {
	res, err := c.Reload(ctx)
	if err != nil {
		return err
	}
	if len(res.Registry.Registered) == 0 && !c.config.AllowEmpty {
		return ErrNoPlugins
	}
	if !c.config.Watch {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.watchFailed(err)
		return nil
	}
	if err := watcher.Add(c.loader.Dir()); err != nil {
		_ = watcher.Close()
		c.watchFailed(err)
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.watchLoop(loopCtx, watcher)

	c.logger.Info("watching plugin directory",
		"dir", c.loader.Dir(),
		"debounce", c.config.Debounce,
	)
	return nil
}

func (c *Coordinator) watchFailed(err error) {
	c.logger.Error("plugin directory watch unavailable, hot reload disabled",
		"error", gwerrors.NewWatchError(c.loader.Dir(), err),
	)
}

// watchLoop owns the watcher and closes it on every exit path.
func (c *Coordinator) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(c.done)
	defer watcher.Close()

	var (
		timer   *time.Timer
		trigger <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !c.relevant(event) {
				continue
			}
			c.logger.Debug("plugin directory changed", "file", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(c.config.Debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(c.config.Debounce)
			}
			trigger = timer.C

		case <-trigger:
			trigger = nil
			if _, err := c.Reload(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("plugin reload failed", "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error("plugin directory watch error",
				"error", gwerrors.NewWatchError(c.loader.Dir(), err),
			)
		}
	}
}

func (c *Coordinator) relevant(event fsnotify.Event) bool {
	if !IsArchive(event.Name, c.loader.Extensions()) {
		return false
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
		return true
	}
	return c.config.PruneStale && event.Op&(fsnotify.Remove|fsnotify.Rename) != 0
}

// Reload stops every active unit, reads the directory again and publishes
// the result to the registry as one batch. Breakers and limiters of
// services whose properties changed, or that were pruned, are evicted.
func (c *Coordinator) Reload(ctx context.Context) (*ReloadResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	previous := c.active
	c.stopUnits(ctx, previous)

	scan, err := c.loader.Load(ctx)
	if err != nil {
		// keep serving what was loaded before
		c.active = c.startUnits(ctx, previous, nil)
		metrics.PluginReloads.WithLabelValues("failure").Inc()
		return nil, err
	}

	res := &ReloadResult{Failed: scan.Failed}
	c.active = c.startUnits(ctx, scan.Loaded, res.Failed)

	entries := make([]registry.Entry, 0, len(c.active))
	for _, l := range c.active {
		entries = append(entries, l.Entry())
		res.Loaded = append(res.Loaded, l.Unit.ID)
	}
	res.Registry = c.registry.Apply(entries, c.config.PruneStale)

	if c.gate != nil {
		for _, name := range res.Registry.Changed {
			c.gate.Evict(name)
		}
		for _, name := range res.Registry.Pruned {
			c.gate.Evict(name)
		}
	}

	res.Duration = time.Since(start)
	metrics.PluginReloads.WithLabelValues("success").Inc()
	metrics.RegisteredServices.Set(float64(c.registry.Len()))

	c.logger.Info("plugins reloaded",
		"loaded", len(res.Loaded),
		"failed", len(res.Failed)+len(res.Registry.Failed),
		"changed", len(res.Registry.Changed),
		"pruned", len(res.Registry.Pruned),
		"duration", res.Duration,
	)
	return res, nil
}

func (c *Coordinator) stopUnits(ctx context.Context, units []*Loaded) {
	for _, l := range units {
		lc, ok := l.Provider.(plugin.Lifecycle)
		if !ok {
			continue
		}
		if err := lc.Stop(ctx); err != nil {
			c.logger.Warn("plugin stop failed", "plugin_id", l.Unit.ID, "error", err)
		}
	}
}

// startUnits starts the units that need it and returns those that are
// ready. Failures are added to failed when it is non-nil.
func (c *Coordinator) startUnits(ctx context.Context, units []*Loaded, failed map[string]error) []*Loaded {
	ready := make([]*Loaded, 0, len(units))
	for _, l := range units {
		if lc, ok := l.Provider.(plugin.Lifecycle); ok {
			if err := lc.Start(ctx); err != nil {
				err = gwerrors.NewPluginLoadError(l.Unit.ID, "start failed", err)
				c.logger.Error("skipping plugin", "plugin_id", l.Unit.ID, "error", err)
				metrics.PluginLoadFailures.Inc()
				if failed != nil {
					failed[l.Unit.Source] = err
				}
				continue
			}
		}
		ready = append(ready, l)
	}
	return ready
}

// Active returns the plugin ids currently loaded.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for _, l := range c.active {
		ids = append(ids, l.Unit.ID)
	}
	return ids
}

// Close stops the watch loop, waits for it to exit and stops every active
// unit. Registered services stay in the registry. It is safe to call more than once.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.stopUnits(ctx, c.active)
		c.active = nil
	})
	return nil
}
