// Package testutil provides an in-process upstream server for pipeline and
// API tests.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// RecordedRequest stores information about a received request.
type RecordedRequest struct {
	Method  string
	Path    string
	Query   string
	Body    []byte
	Headers http.Header
	Time    time.Time
}

// MockResponse is one queued upstream reply. When Chunks is set the reply
// is streamed as server-sent events, one data event per chunk.
type MockResponse struct {
	StatusCode int
	Header     http.Header
	Body       string
	Chunks     []string
	// ChunkDelay is slept before every chunk.
	ChunkDelay time.Duration
	Delay      time.Duration
}

// MockUpstream simulates a provider API. Unqueued requests get DefaultResponse.
type MockUpstream struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []RecordedRequest
	queue    []MockResponse
	calls    atomic.Int64

	DefaultResponse MockResponse
}

// NewMockUpstream creates and starts a new mock upstream.
func NewMockUpstream() *MockUpstream {
	m := &MockUpstream{
		DefaultResponse: MockResponse{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"application/json"}},
			Body:       ChatCompletionBody("Hello! This is a mock response.", 9, 7),
		},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the server's base URL.
func (m *MockUpstream) URL() string { return m.server.URL }

// Close shuts down the server.
func (m *MockUpstream) Close() { m.server.Close() }

// Calls returns how many requests reached the server.
func (m *MockUpstream) Calls() int { return int(m.calls.Load()) }

// Requests returns all recorded requests.
func (m *MockUpstream) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastRequest returns the most recent request.
func (m *MockUpstream) LastRequest() (RecordedRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return RecordedRequest{}, false
	}
	return m.requests[len(m.requests)-1], true
}

// Queue appends replies served in order before DefaultResponse.
func (m *MockUpstream) Queue(resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, resps...)
}

// QueueError queues a JSON error reply.
func (m *MockUpstream) QueueError(status int, message string) {
	m.Queue(MockResponse{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       fmt.Sprintf(`{"error":{"message":%q,"type":"api_error"}}`, message),
	})
}

// QueueStream queues an SSE reply with the given data payloads.
func (m *MockUpstream) QueueStream(chunks ...string) {
	m.Queue(MockResponse{StatusCode: http.StatusOK, Chunks: chunks})
}

func (m *MockUpstream) next() MockResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) > 0 {
		resp := m.queue[0]
		m.queue = m.queue[1:]
		return resp
	}
	return m.DefaultResponse
}

func (m *MockUpstream) handle(w http.ResponseWriter, r *http.Request) {
	m.calls.Add(1)
	body, _ := io.ReadAll(r.Body) //nolint:errcheck // test code
	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Body:    body,
		Headers: r.Header.Clone(),
		Time:    time.Now(),
	})
	m.mu.Unlock()

	resp := m.next()
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	if resp.Chunks == nil {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, resp.Body) //nolint:errcheck // test code
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	flusher.Flush()

	for i, chunk := range resp.Chunks {
		if resp.ChunkDelay > 0 {
			select {
			case <-time.After(resp.ChunkDelay):
			case <-r.Context().Done():
				return
			}
		}
		fmt.Fprintf(w, "id: %d\ndata: %s\n\n", i+1, chunk)
		flusher.Flush()
	}
}

// ChatCompletionBody builds an OpenAI chat completion reply.
func ChatCompletionBody(content string, promptTokens, completionTokens int) string {
	b, _ := json.Marshal(map[string]any{ //nolint:errcheck // static shape
		"id":     "chatcmpl-mock",
		"object": "chat.completion",
		"model":  "gpt-4o-mock",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	})
	return string(b)
}

// ChatCompletionChunks builds OpenAI streaming payloads, one per word of
// content, terminated by [DONE].
func ChatCompletionChunks(content string) []string {
	words := strings.Fields(content)
	out := make([]string, 0, len(words)+1)
	for _, w := range words {
		b, _ := json.Marshal(map[string]any{ //nolint:errcheck // static shape
			"id":      "chatcmpl-mock",
			"object":  "chat.completion.chunk",
			"model":   "gpt-4o-mock",
			"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": w}}},
		})
		out = append(out, string(b))
	}
	return append(out, "[DONE]")
}
