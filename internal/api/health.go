package api

import (
	"net/http"
)

// Health serves liveness and readiness probes.
type Health struct {
	services func() int
}

// NewHealth creates probes. services reports how many services are
// registered; readiness requires at least one.
func NewHealth(services func() int) *Health {
	return &Health{services: services}
}

// Live handles GET /health/live.
func (h *Health) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready.
func (h *Health) Ready(w http.ResponseWriter, _ *http.Request) {
	n := 0
	if h.services != nil {
		n = h.services()
	}
	if n == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "no services registered", "services": 0})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "services": n})
}
