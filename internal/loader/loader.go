// Package loader discovers plugin archives, turns them into registered
// services, and keeps the registry in step with the plugin directory.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/blueberrycongee/espgate/internal/metrics"
	"github.com/blueberrycongee/espgate/internal/plugin"
	"github.com/blueberrycongee/espgate/internal/registry"
	gwerrors "github.com/blueberrycongee/espgate/pkg/errors"
)

// ErrNoPlugins is returned when a directory yields no usable unit.
var ErrNoPlugins = errors.New("no plugins loaded")

// Loaded is a unit whose provider resolved successfully.
type Loaded struct {
	Unit     *plugin.Unit
	Provider plugin.ConfigurationProvider
	Config   *plugin.ServiceConfig
	Factory  plugin.HandlerFactory
}

// Entry converts the unit into a registry entry.
func (l *Loaded) Entry() registry.Entry {
	return registry.Entry{
		PluginID:      l.Unit.ID,
		PluginVersion: l.Unit.Version,
		Properties:    l.Config.ServiceProperties,
		Factory:       l.Factory,
	}
}

// Result is the outcome of one directory scan.
type Result struct {
	Loaded []*Loaded
	// Failed maps archive path to the PluginLoadError that skipped it.
	Failed map[string]error
}

// Loader reads every archive of a directory.
type Loader struct {
	dir    string
	exts   []string
	logger *slog.Logger
}

// New creates a loader for dir. Empty exts means DefaultExtensions.
func New(dir string, exts []string, logger *slog.Logger) *Loader {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dir: dir, exts: exts, logger: logger.With("component", "plugin_loader")}
}

// Dir returns the scanned directory.
func (l *Loader) Dir() string { return l.dir }

// Extensions returns the archive suffixes picked up.
func (l *Loader) Extensions() []string { return l.exts }

// Load scans the directory once. A unit that fails is logged and skipped;
// only an unreadable directory fails the whole scan.
func (l *Loader) Load(ctx context.Context) (*Result, error) {
	files, err := Discover(l.dir, l.exts)
	if err != nil {
		return nil, gwerrors.NewPluginLoadError(l.dir, "cannot read plugin directory", err)
	}

	res := &Result{Failed: make(map[string]error)}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loaded, err := l.LoadFile(file)
		if err != nil {
			l.logger.Error("skipping plugin", "file", file, "error", err)
			metrics.PluginLoadFailures.Inc()
			res.Failed[file] = err
			continue
		}
		res.Loaded = append(res.Loaded, loaded)
	}

	l.logger.Info("plugin directory scanned",
		"dir", l.dir,
		"loaded", len(res.Loaded),
		"failed", len(res.Failed),
	)
	return res, nil
}

// LoadFile reads and resolves one archive.
func (l *Loader) LoadFile(file string) (*Loaded, error) {
	unit, err := ReadUnit(file)
	if err != nil {
		return nil, gwerrors.NewPluginLoadError(file, "unreadable archive", err)
	}

	variant, err := plugin.LookupVariant(unit.Variant)
	if err != nil {
		return nil, gwerrors.NewPluginLoadError(unit.ID, "unknown variant", err)
	}

	provider, err := instantiate(variant, unit)
	if err != nil {
		return nil, gwerrors.NewPluginLoadError(unit.ID, "variant failed", err)
	}

	cfg, err := provider.ServiceConfig()
	if err != nil {
		return nil, gwerrors.NewPluginLoadError(unit.ID, "invalid service config", err)
	}
	if cfg == nil || cfg.ServiceProperties == nil {
		return nil, gwerrors.NewPluginLoadError(unit.ID, "invalid service config", plugin.ErrNoServiceProperties)
	}

	factory := provider.HandlerFactory()
	if factory == nil {
		return nil, gwerrors.NewPluginLoadError(unit.ID, "no handler factory", plugin.ErrNilFactory)
	}

	l.logger.Debug("plugin resolved",
		"plugin_id", unit.ID,
		"version", unit.Version,
		"variant", unit.Variant,
		"service", cfg.ServiceProperties.ServiceName,
	)
	return &Loaded{Unit: unit, Provider: provider, Config: cfg, Factory: factory}, nil
}

// instantiate runs a variant, converting a panic into an error so one bad
// unit cannot take the loader down.
func instantiate(v plugin.Variant, u *plugin.Unit) (p plugin.ConfigurationProvider, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	p, err = v(u)
	if err == nil && p == nil {
		err = errors.New("variant returned no provider")
	}
	return p, err
}
