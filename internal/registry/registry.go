// Package registry maps service names to their routing metadata.
//
// The registry is copy-on-write: readers load an immutable snapshot through an
// atomic pointer and never block, while writers are serialized and publish a
// fresh snapshot. A lookup therefore always observes a whole entry, either the
// one before a replace or the one after it.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/espgate/internal/plugin"
	gwerrors "github.com/blueberrycongee/espgate/pkg/errors"
)

// ErrNotFound is returned by Lookup for an unknown service name.
var ErrNotFound = errors.New("service not found")

// Metadata is the immutable routing record of one service.
type Metadata struct {
	PluginID      string
	PluginVersion string
	// TargetURI is the resolved absolute URI of the upstream endpoint.
	TargetURI    string
	Properties   *plugin.ServiceProperties
	Factory      plugin.HandlerFactory
	RegisteredAt time.Time
}

// ServiceName returns the key the entry is registered under.
func (m *Metadata) ServiceName() string { return m.Properties.ServiceName }

// Entry is one registration request.
type Entry struct {
	PluginID      string
	PluginVersion string
	Properties    *plugin.ServiceProperties
	Factory       plugin.HandlerFactory
}

type snapshot map[string]*Metadata

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
	logger  *slog.Logger
}

// New returns an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger.With("component", "registry")}
	empty := snapshot{}
	r.current.Store(&empty)
	return r
}

// ComposeTargetURI joins base and endpoint with exactly one slash.
// One trailing slash is stripped from base and endpoint gets exactly one leading slash.
func ComposeTargetURI(base, endpoint string) (string, error) {
	base = strings.TrimSpace(base)
	endpoint = strings.TrimSpace(endpoint)
	base = strings.TrimSuffix(base, "/")
	endpoint = "/" + strings.TrimLeft(endpoint, "/")

	composed := base + endpoint
	u, err := url.Parse(composed)
	if err != nil {
		return "", fmt.Errorf("invalid target URI %q: %w", composed, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("target URI %q is not absolute", composed)
	}
	return composed, nil
}

// Register validates and inserts one service, replacing any existing entry.
func (r *Registry) Register(pluginID, pluginVersion string, props *plugin.ServiceProperties, factory plugin.HandlerFactory) (*Metadata, error) {
	md, err := build(Entry{PluginID: pluginID, PluginVersion: pluginVersion, Properties: props, Factory: factory})
	if err != nil {
		r.logger.Warn("service registration rejected", "plugin_id", pluginID, "error", err)
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.current.Load()
	next := make(snapshot, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[md.ServiceName()] = md
	r.current.Store(&next)

	r.logger.Info("service registered",
		"service", md.ServiceName(),
		"plugin_id", pluginID,
		"plugin_version", pluginVersion,
		"target", md.TargetURI,
	)
	return md, nil
}

func build(e Entry) (*Metadata, error) {
	if e.Properties == nil {
		return nil, gwerrors.NewRoutingConfigError("", plugin.ErrNoServiceProperties.Error(), plugin.ErrNoServiceProperties)
	}
	name := e.Properties.ServiceName
	if strings.TrimSpace(name) == "" {
		return nil, gwerrors.NewRoutingConfigError(name, "service name is blank", nil)
	}
	if strings.TrimSpace(e.Properties.TargetBaseURL) == "" {
		return nil, gwerrors.NewRoutingConfigError(name, plugin.ErrNoTargetURL.Error(), plugin.ErrNoTargetURL)
	}
	if e.Factory == nil {
		return nil, gwerrors.NewRoutingConfigError(name, "service has no handler factory", plugin.ErrNilFactory)
	}
	target, err := ComposeTargetURI(e.Properties.TargetBaseURL, e.Properties.TargetEndpoint)
	if err != nil {
		return nil, gwerrors.NewRoutingConfigError(name, "malformed target URI", err)
	}
	return &Metadata{
		PluginID:      e.PluginID,
		PluginVersion: e.PluginVersion,
		TargetURI:     target,
		Properties:    e.Properties,
		Factory:       e.Factory,
		RegisteredAt:  time.Now(),
	}, nil
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (*Metadata, error) {
	md, ok := (*r.current.Load())[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return md, nil
}

// List returns the current entries sorted by service name.
func (r *Registry) List() []*Metadata {
	snap := *r.current.Load()
	out := make([]*Metadata, 0, len(snap))
	for _, md := range snap {
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceName() < out[j].ServiceName() })
	return out
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	return len(*r.current.Load())
}

// Evict removes a service. It reports whether the service was present.
func (r *Registry) Evict(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.current.Load()
	if _, ok := old[name]; !ok {
		return false
	}
	next := make(snapshot, len(old))
	for k, v := range old {
		if k != name {
			next[k] = v
		}
	}
	r.current.Store(&next)
	r.logger.Info("service evicted", "service", name)
	return true
}

// ApplyResult summarizes a batch registration.
type ApplyResult struct {
	// Registered lists every service written by the batch.
	Registered []string
	// Changed lists registered services that are new or whose properties differ from the previous entry.
	Changed []string
	// Pruned lists services removed because the batch no longer provides them.
	Pruned []string
	// Failed maps a plugin id (or service name when known) to its rejection.
	Failed map[string]error
}

// Apply registers a batch and publishes it as a single snapshot. Invalid
// entries are skipped without affecting the others. With prune set,
// services absent from the batch are dropped.
func (r *Registry) Apply(entries []Entry, prune bool) ApplyResult {
	res := ApplyResult{Failed: make(map[string]error)}

	built := make([]*Metadata, 0, len(entries))
	for _, e := range entries {
		md, err := build(e)
		if err != nil {
			key := e.PluginID
			if e.Properties != nil && e.Properties.ServiceName != "" {
				key = e.Properties.ServiceName
			}
			res.Failed[key] = err
			r.logger.Warn("service registration rejected", "plugin_id", e.PluginID, "error", err)
			continue
		}
		built = append(built, md)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.current.Load()
	next := make(snapshot, len(old)+len(built))
	if !prune {
		for k, v := range old {
			next[k] = v
		}
	}
	for _, md := range built {
		name := md.ServiceName()
		prev, existed := old[name]
		if !existed || prev.Properties.Fingerprint() != md.Properties.Fingerprint() {
			res.Changed = append(res.Changed, name)
		}
		next[name] = md
		res.Registered = append(res.Registered, name)
	}
	if prune {
		for k := range old {
			if _, ok := next[k]; !ok {
				res.Pruned = append(res.Pruned, k)
			}
		}
		sort.Strings(res.Pruned)
	}
	r.current.Store(&next)

	r.logger.Info("registry updated",
		"registered", len(res.Registered),
		"changed", len(res.Changed),
		"pruned", len(res.Pruned),
		"failed", len(res.Failed),
		"total", len(next),
	)
	return res
}
