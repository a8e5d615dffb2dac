package passthrough

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/blueberrycongee/espgate/internal/plugin"
	"github.com/blueberrycongee/espgate/pkg/metric"
	"github.com/blueberrycongee/espgate/pkg/types"
)

const eventStream = "text/event-stream"

// Handler serves one relayed call.
type Handler struct {
	proxy   plugin.Proxy
	marker  string
	forward []string
}

var _ plugin.Handler = (*Handler)(nil)

// IsStreamRequested reports whether the caller accepts an event stream.
func (h *Handler) IsStreamRequested(req *types.Request) bool {
	for _, v := range req.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(v), eventStream) {
			return true
		}
	}
	return false
}

// CustomizeHeaders keeps content negotiation, credentials and any
// configured extra headers.
func (h *Handler) CustomizeHeaders(inbound http.Header, body []byte) http.Header {
	out := make(http.Header)
	for _, name := range append([]string{"Accept", "Content-Type", "Authorization"}, h.forward...) {
		for _, v := range inbound.Values(name) {
			out.Add(name, v)
		}
	}
	if len(body) > 0 {
		out.Set("Content-Length", strconv.Itoa(len(body)))
	}
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

// UsageMetrics reports request and response sizes.
func (h *Handler) UsageMetrics(requestBody []byte, resp *types.Response) (*metric.Metrics, error) {
	var n int
	if resp != nil {
		n = len(resp.Body)
	}
	return byteUsage(len(requestBody), n), nil
}

// StreamUsageMetrics reports the request size and the summed size of every
// chunk payload before the end marker.
func (h *Handler) StreamUsageMetrics(requestBody []byte, chunks []string) (*metric.Metrics, error) {
	var n int
	for _, c := range chunks {
		if h.IsEndOfStream(c) {
			continue
		}
		n += len(c)
	}
	return byteUsage(len(requestBody), n), nil
}

func byteUsage(request, response int) *metric.Metrics {
	return metric.New(
		metric.Int(metric.NameRequestBytes, int64(request), metric.UnitByte),
		metric.Int(metric.NameResponseBytes, int64(response), metric.UnitByte),
	)
}

// IsEndOfStream reports whether a chunk is exactly the end marker.
func (h *Handler) IsEndOfStream(data string) bool {
	return strings.TrimSpace(data) == h.marker
}

// EndOfStreamMarker returns the configured marker.
func (h *Handler) EndOfStreamMarker() string { return h.marker }
