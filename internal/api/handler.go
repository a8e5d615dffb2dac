// Package api provides the HTTP surface of the gateway: the catch-all proxy
// handler, health probes and the read-only admin endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/blueberrycongee/espgate/internal/httputil"
	"github.com/blueberrycongee/espgate/internal/observability"
	"github.com/blueberrycongee/espgate/internal/proxy"
	"github.com/blueberrycongee/espgate/internal/streaming"
	"github.com/blueberrycongee/espgate/pkg/types"
)

// Server is the request pipeline seen from the HTTP layer.
type Server interface {
	Serve(ctx context.Context, req *types.Request) *proxy.Result
}

// Handler turns inbound HTTP calls into pipeline runs.
type Handler struct {
	pipeline     Server
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewHandler creates a new proxy handler.
func NewHandler(pipeline Server, maxBodyBytes int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		pipeline:     pipeline,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.With("component", "api"),
	}
}

// Proxy handles every method on every path not claimed by another route.
// The raw, still-escaped request path is the service name.
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadRequestBody(w, r, h.maxBodyBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrRequestBodyTooLarge) {
			writeText(w, http.StatusRequestEntityTooLarge, "Request body too large.")
			return
		}
		writeText(w, http.StatusBadRequest, "Failed to read request body.")
		return
	}

	req := &types.Request{
		Method: r.Method,
		Path:   r.URL.EscapedPath(),
		Header: r.Header.Clone(),
		Query:  r.URL.Query(),
		Body:   body,
	}

	result := h.pipeline.Serve(r.Context(), req)
	defer result.Close()

	if !result.IsStream() {
		writeResponse(w, result.Response)
		return
	}
	h.forward(w, r, result)
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, result *proxy.Result) {
	logger := observability.WithRequestID(r.Context(), h.logger).With("service", result.Service)

	fw, err := streaming.NewForwarder(w)
	if err != nil {
		logger.Error("cannot stream to client", "error", err)
		writeText(w, http.StatusInternalServerError, "Streaming not supported.")
		return
	}
	fw.Start(result.Header)

	if err := fw.Forward(r.Context(), result.Stream); err != nil {
		if r.Context().Err() != nil {
			logger.Debug("client disconnected during stream")
			return
		}
		logger.Warn("stream aborted", "error", err)
	}
}

func writeResponse(w http.ResponseWriter, resp *types.Response) {
	if resp == nil {
		writeText(w, http.StatusBadGateway, "Empty upstream response.")
		return
	}
	httputil.CopyResponseHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
