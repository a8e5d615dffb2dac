package streaming

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-contrib/sse"

	"github.com/blueberrycongee/espgate/pkg/types"
)

// ErrorEventName names the event written when a stream fails after the response has started.
const ErrorEventName = "error"

// Forwarder writes events to a downstream client, flushing after each one.
type Forwarder struct {
	downstream http.ResponseWriter
	flusher    http.Flusher
	started    bool
}

// NewForwarder wraps a response writer that supports flushing.
func NewForwarder(w http.ResponseWriter) (*Forwarder, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &Forwarder{downstream: w, flusher: flusher}, nil
}

// Start writes the SSE response headers. extra headers are added first.
func (f *Forwarder) Start(extra http.Header) {
	if f.started {
		return
	}
	h := f.downstream.Header()
	for k, vs := range extra {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	f.downstream.WriteHeader(http.StatusOK)
	f.started = true
}

// Started reports whether headers were sent.
func (f *Forwarder) Started() bool { return f.started }

// WriteEvent encodes and flushes one event.
func (f *Forwarder) WriteEvent(ev types.Event) error {
	f.Start(nil)
	if err := sse.Encode(f.downstream, sse.Event{
		Id:    ev.ID,
		Event: ev.Name,
		Retry: ev.Retry,
		Data:  ev.Data,
	}); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	f.flusher.Flush()
	return nil
}

// Forward copies events until the channel closes, a stream error arrives or
// the client goes away. A stream error is reported to the client as an
// error event and returned.
func (f *Forwarder) Forward(ctx context.Context, events <-chan types.EventResult) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-events:
			if !ok {
				return nil
			}
			if item.Err != nil {
				_ = f.WriteEvent(types.Event{Name: ErrorEventName, Data: item.Err.Error()})
				return item.Err
			}
			if err := f.WriteEvent(item.Event); err != nil {
				return err
			}
		}
	}
}
