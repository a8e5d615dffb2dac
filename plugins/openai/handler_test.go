package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/espgate/internal/plugin"
	"github.com/blueberrycongee/espgate/internal/testutil"
	"github.com/blueberrycongee/espgate/pkg/metric"
	"github.com/blueberrycongee/espgate/pkg/types"
)

// wordCount is a deterministic token counter for tests.
func wordCount(_, text string) int { return len(strings.Fields(text)) }

type fakeProxy struct {
	reqs    []*types.Request
	resp    *types.Response
	stream  chan types.EventResult
	err     error
	cleaned []string
}

func (p *fakeProxy) ExecuteRequest(_ context.Context, req *types.Request) (*types.Response, error) {
	p.reqs = append(p.reqs, req)
	return p.resp, p.err
}

func (p *fakeProxy) ExecuteStreamingRequest(_ context.Context, req *types.Request) (<-chan types.EventResult, error) {
	p.reqs = append(p.reqs, req)
	return p.stream, p.err
}

func (p *fakeProxy) CleanCacheForService(name string) { p.cleaned = append(p.cleaned, name) }

func newHandler(t *testing.T, proxy plugin.Proxy) *Handler {
	t.Helper()
	h, err := (&Factory{DefaultModel: "gpt-4o", Count: wordCount}).NewHandler(proxy)
	require.NoError(t, err)
	return h.(*Handler)
}

func intMetric(t *testing.T, m *metric.Metrics, name string) int64 {
	t.Helper()
	got, ok := m.Get(name)
	require.True(t, ok, "metric %s missing", name)
	v, err := got.Int64()
	require.NoError(t, err)
	return v
}

func TestFactory_NilProxy(t *testing.T) {
	_, err := (&Factory{}).NewHandler(nil)
	assert.Error(t, err)
}

func TestIsStreamRequested(t *testing.T) {
	h := newHandler(t, &fakeProxy{})
	tests := []struct {
		body string
		want bool
	}{
		{`{"model":"gpt-4o","stream":true}`, true},
		{`{"model":"gpt-4o","stream":false}`, false},
		{`{"model":"gpt-4o"}`, false},
		{`not json`, false},
		{``, false},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			assert.Equal(t, tt.want, h.IsStreamRequested(&types.Request{Body: []byte(tt.body)}))
		})
	}
}

func TestCustomizeHeaders(t *testing.T) {
	h := newHandler(t, &fakeProxy{})
	inbound := http.Header{
		"Accept":          {"text/event-stream"},
		"Authorization":   {"Bearer sk-test"},
		"Cookie":          {"session=1"},
		"X-Forwarded-For": {"10.0.0.1"},
	}
	out := h.CustomizeHeaders(inbound, []byte(`{"a":1}`))

	assert.Equal(t, "text/event-stream", out.Get("Accept"))
	assert.Equal(t, "application/json", out.Get("Content-Type"))
	assert.Equal(t, "Bearer sk-test", out.Get("Authorization"))
	assert.Equal(t, "7", out.Get("Content-Length"))
	assert.Empty(t, out.Get("Cookie"))
	assert.Empty(t, out.Get("X-Forwarded-For"))

	inbound.Set("Content-Type", "application/json; charset=utf-8")
	assert.Equal(t, "application/json; charset=utf-8", h.CustomizeHeaders(inbound, nil).Get("Content-Type"))
}

func TestHandleDelegatesToProxy(t *testing.T) {
	stream := make(chan types.EventResult)
	p := &fakeProxy{resp: &types.Response{StatusCode: 200}, stream: stream}
	h := newHandler(t, p)
	req := &types.Request{URL: "https://api.example.com/v1/chat/completions"}

	resp, err := h.HandleRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	ch, err := h.HandleStreamingRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, (<-chan types.EventResult)(stream), ch)
	assert.Len(t, p.reqs, 2)

	p.err = errors.New("down")
	_, err = h.HandleRequest(context.Background(), req)
	assert.EqualError(t, err, "down")
}

func TestEndOfStream(t *testing.T) {
	h := newHandler(t, &fakeProxy{})
	assert.True(t, h.IsEndOfStream("[DONE]"))
	assert.True(t, h.IsEndOfStream(" [DONE] "))
	assert.False(t, h.IsEndOfStream(`{"choices":[]}`))
	assert.Equal(t, "[DONE]", h.EndOfStreamMarker())
}

func TestUsageMetrics(t *testing.T) {
	h := newHandler(t, &fakeProxy{})
	resp := &types.Response{StatusCode: 200, Body: []byte(testutil.ChatCompletionBody("hi", 13, 26))}

	m, err := h.UsageMetrics([]byte(`{"model":"gpt-4o-mini"}`), resp)
	require.NoError(t, err)
	assert.Equal(t, int64(13), intMetric(t, m, metric.NameRequestTokenCount))
	assert.Equal(t, int64(26), intMetric(t, m, metric.NameReplyTokenCount))
	assert.Equal(t, int64(39), intMetric(t, m, metric.NameTokenCount))
	model, ok := m.Get(metric.NameModel)
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", model.Value)

	t.Run("model from reply when request has none", func(t *testing.T) {
		m, err := h.UsageMetrics([]byte(`{}`), resp)
		require.NoError(t, err)
		model, _ := m.Get(metric.NameModel)
		assert.Equal(t, "gpt-4o-mock", model.Value)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := h.UsageMetrics(nil, nil)
		assert.Error(t, err)
		_, err = h.UsageMetrics(nil, &types.Response{Body: []byte(`{"id":"x"}`)})
		assert.ErrorIs(t, err, errNoUsage)
		_, err = h.UsageMetrics(nil, &types.Response{Body: []byte(`<html>`)})
		assert.Error(t, err)
	})
}

func TestStreamUsageMetrics(t *testing.T) {
	h := newHandler(t, &fakeProxy{})
	body := []byte(`{"model":"gpt-4o","stream":true,"messages":[
		{"role":"system","content":"be brief"},
		{"role":"user","content":[{"type":"text","text":"say hello"}]}
	]}`)
	chunks := append(testutil.ChatCompletionChunks("Hello there friend"), "not json")

	m, err := h.StreamUsageMetrics(body, chunks)
	require.NoError(t, err)

	req := intMetric(t, m, metric.NameRequestTokenCount)
	reply := intMetric(t, m, metric.NameReplyTokenCount)
	assert.Equal(t, int64(4), req)
	assert.Equal(t, int64(3), reply)
	assert.Equal(t, req+reply, intMetric(t, m, metric.NameTokenCount))
	model, _ := m.Get(metric.NameModel)
	assert.Equal(t, "gpt-4o", model.Value)

	t.Run("default model", func(t *testing.T) {
		m, err := h.StreamUsageMetrics([]byte(`{"messages":[]}`), nil)
		require.NoError(t, err)
		model, _ := m.Get(metric.NameModel)
		assert.Equal(t, "gpt-4o", model.Value)
		assert.Equal(t, int64(0), intMetric(t, m, metric.NameTokenCount))
	})

	t.Run("unparsable request", func(t *testing.T) {
		_, err := h.StreamUsageMetrics([]byte(`nope`), chunks)
		assert.Error(t, err)
	})
}

func TestNewProvider(t *testing.T) {
	u := &plugin.Unit{
		Manifest: plugin.Manifest{ID: "oai", Variant: VariantName, Settings: map[string]string{SettingDefaultModel: "gpt-4.1"}},
		Files: map[string][]byte{plugin.ServiceConfigFile: []byte(`
serviceProperties:
  serviceName: /openai/chat
  targetServiceBaseUrl: https://api.openai.com/
  targetServiceEndPoint: v1/chat/completions
`)},
	}
	p, err := NewProvider(u)
	require.NoError(t, err)
	cfg, err := p.ServiceConfig()
	require.NoError(t, err)
	assert.Equal(t, "/openai/chat", cfg.ServiceProperties.ServiceName)
	assert.Equal(t, "gpt-4.1", p.HandlerFactory().(*Factory).DefaultModel)

	v, err := plugin.LookupVariant(VariantName)
	require.NoError(t, err)
	assert.NotNil(t, v)

	_, err = NewProvider(&plugin.Unit{Manifest: plugin.Manifest{ID: "empty"}})
	assert.ErrorIs(t, err, plugin.ErrMissingConfigFile)
}
