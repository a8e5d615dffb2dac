package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/espgate/internal/loader"
	"github.com/blueberrycongee/espgate/internal/plugin"
	"github.com/blueberrycongee/espgate/internal/registry"
	"github.com/blueberrycongee/espgate/internal/resilience"
)

// Reloader triggers a full plugin reload. *loader.Coordinator satisfies it.
type Reloader interface {
	Reload(ctx context.Context) (*loader.ReloadResult, error)
	Active() []string
}

// AdminHandler serves registry and gate state, and on-demand reloads.
type AdminHandler struct {
	registry *registry.Registry
	gate     *resilience.Gate
	reloader Reloader
	logger   *slog.Logger
}

// NewAdminHandler creates the admin endpoints. reloader may be nil.
func NewAdminHandler(reg *registry.Registry, gate *resilience.Gate, reloader Reloader, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{registry: reg, gate: gate, reloader: reloader, logger: logger.With("component", "admin")}
}

// ServiceView is one registered service as reported by the admin API.
type ServiceView struct {
	Name           string                      `json:"name"`
	PluginID       string                      `json:"plugin_id"`
	PluginVersion  string                      `json:"plugin_version"`
	TargetURI      string                      `json:"target_uri"`
	RegisteredAt   time.Time                   `json:"registered_at"`
	CircuitBreaker plugin.CircuitBreakerConfig `json:"circuit_breaker"`
	RateLimiter    plugin.RateLimiterConfig    `json:"rate_limiter"`
	Resilience     resilience.GateStats        `json:"resilience"`
}

func (h *AdminHandler) view(md *registry.Metadata) ServiceView {
	v := ServiceView{
		Name:           md.ServiceName(),
		PluginID:       md.PluginID,
		PluginVersion:  md.PluginVersion,
		TargetURI:      md.TargetURI,
		RegisteredAt:   md.RegisteredAt,
		CircuitBreaker: md.Properties.CircuitBreaker,
		RateLimiter:    md.Properties.RateLimiter,
	}
	if h.gate != nil {
		v.Resilience = h.gate.Stats(v.Name)
	}
	return v
}

// ListServices handles GET /admin/services.
func (h *AdminHandler) ListServices(w http.ResponseWriter, _ *http.Request) {
	list := h.registry.List()
	out := make([]ServiceView, 0, len(list))
	for _, md := range list {
		out = append(out, h.view(md))
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out, "total": len(out)})
}

// GetService handles GET /admin/service?name=/chat. Names contain slashes,
// so they travel as a query parameter.
func (h *AdminHandler) GetService(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	md, err := h.registry.Lookup(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown service: " + name})
		return
	}
	writeJSON(w, http.StatusOK, h.view(md))
}

type reloadView struct {
	Loaded     []string          `json:"loaded"`
	Failed     map[string]string `json:"failed"`
	Registered []string          `json:"registered"`
	Changed    []string          `json:"changed"`
	Pruned     []string          `json:"pruned"`
	DurationMS int64             `json:"duration_ms"`
}

// ReloadPlugins handles POST /admin/plugins/reload.
func (h *AdminHandler) ReloadPlugins(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "plugin reload not configured"})
		return
	}
	res, err := h.reloader.Reload(r.Context())
	if err != nil {
		h.logger.Error("manual plugin reload failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	failed := make(map[string]string, len(res.Failed)+len(res.Registry.Failed))
	for k, v := range res.Failed {
		failed[k] = v.Error()
	}
	for k, v := range res.Registry.Failed {
		failed[k] = v.Error()
	}
	writeJSON(w, http.StatusOK, reloadView{
		Loaded:     res.Loaded,
		Failed:     failed,
		Registered: res.Registry.Registered,
		Changed:    res.Registry.Changed,
		Pruned:     res.Registry.Pruned,
		DurationMS: res.Duration.Milliseconds(),
	})
}

// ListPlugins handles GET /admin/plugins.
func (h *AdminHandler) ListPlugins(w http.ResponseWriter, _ *http.Request) {
	active := []string{}
	if h.reloader != nil {
		active = h.reloader.Active()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   active,
		"variants": plugin.Variants(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
