package openai

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/espgate/internal/plugin"
	"github.com/blueberrycongee/espgate/internal/tokenizer"
	"github.com/blueberrycongee/espgate/pkg/types"
)

// EndOfStreamMarker terminates an OpenAI event stream.
const EndOfStreamMarker = "[DONE]"

// Handler serves one chat completion call.
type Handler struct {
	proxy        plugin.Proxy
	defaultModel string
	count        tokenizer.Counter
}

var _ plugin.Handler = (*Handler)(nil)

// IsStreamRequested reads the "stream" flag of the request body. A body
// that is not a JSON object never streams.
func (h *Handler) IsStreamRequested(req *types.Request) bool {
	var body struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return false
	}
	return body.Stream
}

// CustomizeHeaders keeps the content negotiation headers and the caller's
// credentials, and sizes the body.
func (h *Handler) CustomizeHeaders(inbound http.Header, body []byte) http.Header {
	out := make(http.Header)
	for _, v := range inbound.Values("Accept") {
		out.Add("Accept", v)
	}
	if ct := inbound.Get("Content-Type"); ct != "" {
		out.Set("Content-Type", ct)
	} else {
		out.Set("Content-Type", "application/json")
	}
	if auth := inbound.Get("Authorization"); auth != "" {
		out.Set("Authorization", auth)
	}
	out.Set("Content-Length", strconv.Itoa(len(body)))
	return out
}

// HandleRequest forwards the call unchanged.
func (h *Handler) HandleRequest(ctx context.Context, req *types.Request) (*types.Response, error) {
	return h.proxy.ExecuteRequest(ctx, req)
}

// HandleStreamingRequest forwards the call and relays the raw event stream.
func (h *Handler) HandleStreamingRequest(ctx context.Context, req *types.Request) (<-chan types.EventResult, error) {
	return h.proxy.ExecuteStreamingRequest(ctx, req)
}

// IsEndOfStream reports whether a chunk carries the end marker.
func (h *Handler) IsEndOfStream(data string) bool {
	return strings.Contains(data, EndOfStreamMarker)
}

// EndOfStreamMarker returns the provider's end marker.
func (h *Handler) EndOfStreamMarker() string { return EndOfStreamMarker }
