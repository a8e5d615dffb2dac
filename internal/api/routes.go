package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/espgate/internal/metrics"
	"github.com/blueberrycongee/espgate/internal/observability"
)

// RouterConfig selects the optional endpoints.
type RouterConfig struct {
	MetricsEnabled bool
	MetricsPath    string
	AdminEnabled   bool
}

// proxyMethods are the inbound methods routed to services.
var proxyMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}

// NewRouter registers every route and wraps the mux in the middleware stack.
// admin may be nil.
func NewRouter(cfg RouterConfig, handler *Handler, admin *AdminHandler, health *Health, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", health.Live)
	mux.HandleFunc("GET /health/ready", health.Ready)

	if cfg.MetricsEnabled {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.Handler())
	}

	if cfg.AdminEnabled && admin != nil {
		mux.HandleFunc("GET /admin/services", admin.ListServices)
		mux.HandleFunc("GET /admin/service", admin.GetService)
		mux.HandleFunc("GET /admin/plugins", admin.ListPlugins)
		mux.HandleFunc("POST /admin/plugins/reload", admin.ReloadPlugins)
	}

	for _, method := range proxyMethods {
		mux.HandleFunc(method+" /", handler.Proxy)
	}

	var h http.Handler = mux
	h = metrics.Middleware(h)
	h = Recover(logger, h)
	h = observability.RequestIDMiddleware(h)
	return h
}
