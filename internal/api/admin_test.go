package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/espgate/internal/loader"
	"github.com/blueberrycongee/espgate/internal/plugin"
	"github.com/blueberrycongee/espgate/internal/proxy"
	"github.com/blueberrycongee/espgate/internal/registry"
	"github.com/blueberrycongee/espgate/internal/resilience"
	"github.com/blueberrycongee/espgate/pkg/types"
)

type fakeReloader struct {
	calls int
	err   error
}

func (f *fakeReloader) Reload(context.Context) (*loader.ReloadResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &loader.ReloadResult{
		Loaded: []string{"chat"},
		Failed: map[string]error{"/plugins/bad.zip": errors.New("unknown variant")},
		Registry: registry.ApplyResult{
			Registered: []string{"/chat"},
			Changed:    []string{"/chat"},
		},
		Duration: 12 * time.Millisecond,
	}, nil
}

func (f *fakeReloader) Active() []string { return []string{"chat"} }

func newAdminRouter(t *testing.T, reloader Reloader) (http.Handler, *resilience.Gate) {
	t.Helper()
	reg := registry.New(testLogger())
	props := &plugin.ServiceProperties{
		ServiceName:    "/chat",
		TargetBaseURL:  "https://api.example.com/",
		TargetEndpoint: "v1/chat/completions",
		CircuitBreaker: plugin.DefaultCircuitBreakerConfig(),
		RateLimiter:    plugin.DefaultRateLimiterConfig(),
	}
	factory := plugin.HandlerFactoryFunc(func(plugin.Proxy) (plugin.Handler, error) { return nil, errors.New("unused") })
	_, err := reg.Register("chat", "1.0.0", props, factory)
	require.NoError(t, err)

	gate := resilience.NewGate(resilience.GateConfig{Logger: testLogger()})
	admin := NewAdminHandler(reg, gate, reloader, testLogger())
	health := NewHealth(reg.Len)
	handler := NewHandler(&fakeServer{}, 0, testLogger())
	return NewRouter(RouterConfig{AdminEnabled: true}, handler, admin, health, testLogger()), gate
}

func TestAdmin_ListServices(t *testing.T) {
	router, gate := newAdminRouter(t, nil)
	gate.Acquire("/chat", resilience.DefaultCircuitBreakerConfig(), resilience.DefaultRateLimiterConfig())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/services", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Services []ServiceView `json:"services"`
		Total    int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	svc := body.Services[0]
	assert.Equal(t, "/chat", svc.Name)
	assert.Equal(t, "chat", svc.PluginID)
	assert.Equal(t, "https://api.example.com/v1/chat/completions", svc.TargetURI)
	assert.Equal(t, "closed", svc.Resilience.CircuitState)
	assert.Equal(t, 100, svc.CircuitBreaker.SlidingWindowSize)
}

func TestAdmin_GetService(t *testing.T) {
	router, _ := newAdminRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/service?name=/chat", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var svc ServiceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &svc))
	assert.Equal(t, "none", svc.Resilience.CircuitState)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/service?name=/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/service", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_ReloadPlugins(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		reloader := &fakeReloader{}
		router, _ := newAdminRouter(t, reloader)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/plugins/reload", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, reloader.calls)

		var view reloadView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
		assert.Equal(t, []string{"chat"}, view.Loaded)
		assert.Equal(t, "unknown variant", view.Failed["/plugins/bad.zip"])
		assert.Equal(t, int64(12), view.DurationMS)
	})

	t.Run("failure", func(t *testing.T) {
		router, _ := newAdminRouter(t, &fakeReloader{err: errors.New("dir gone")})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/plugins/reload", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("not configured", func(t *testing.T) {
		router, _ := newAdminRouter(t, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/plugins/reload", nil))
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})
}

func TestAdmin_ListPlugins(t *testing.T) {
	router, _ := newAdminRouter(t, &fakeReloader{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/plugins", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active":["chat"]`)
}

func TestAdmin_Disabled(t *testing.T) {
	srv := &fakeServer{result: func(req *types.Request) *proxy.Result {
		return &proxy.Result{Response: &types.Response{StatusCode: http.StatusBadRequest, Body: []byte("Unknown service: " + req.Path)}}
	}}
	router := NewRouter(RouterConfig{}, NewHandler(srv, 0, testLogger()), nil, NewHealth(nil), testLogger())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/services", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Unknown service: /admin/services", rec.Body.String())
}
