package streaming

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/espgate/pkg/types"
)

type nonFlushingWriter struct {
	http.ResponseWriter
}

func TestNewForwarder(t *testing.T) {
	_, err := NewForwarder(httptest.NewRecorder())
	assert.NoError(t, err)

	_, err = NewForwarder(nonFlushingWriter{httptest.NewRecorder()})
	assert.Error(t, err)
}

func TestForwarder_Forward(t *testing.T) {
	rec := httptest.NewRecorder()
	f, err := NewForwarder(rec)
	require.NoError(t, err)

	events := make(chan types.EventResult, 3)
	events <- types.EventResult{Event: types.Event{ID: "1", Name: "delta", Data: `{"x":1}`}}
	events <- types.EventResult{Event: types.Event{Data: "[DONE]"}}
	close(events)

	f.Start(http.Header{"X-Extra": {"v"}})
	require.NoError(t, f.Forward(context.Background(), events))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "v", rec.Header().Get("X-Extra"))
	assert.True(t, rec.Flushed)

	// Round-trip through the decoder.
	got := decodeAll(t, rec.Body.String())
	assert.Equal(t, []types.Event{
		{ID: "1", Name: "delta", Data: `{"x":1}`},
		{ID: "1", Data: "[DONE]"},
	}, got)
}

func TestForwarder_StreamError(t *testing.T) {
	rec := httptest.NewRecorder()
	f, err := NewForwarder(rec)
	require.NoError(t, err)

	boom := errors.New("upstream returned 502")
	events := make(chan types.EventResult, 2)
	events <- types.EventResult{Event: types.Event{Data: "partial"}}
	events <- types.EventResult{Err: boom}
	close(events)

	err = f.Forward(context.Background(), events)
	assert.ErrorIs(t, err, boom)
	assert.True(t, strings.Contains(rec.Body.String(), "event:"+ErrorEventName))
}

func TestForwarder_ClientGone(t *testing.T) {
	f, err := NewForwarder(httptest.NewRecorder())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = f.Forward(ctx, make(chan types.EventResult))
	assert.ErrorIs(t, err, context.Canceled)
}
