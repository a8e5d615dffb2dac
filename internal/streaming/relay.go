package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/espgate/pkg/metric"
	"github.com/blueberrycongee/espgate/pkg/types"
)

// EndOfStreamChunkType is the type tag of the synthetic terminal event payload.
const EndOfStreamChunkType = "EndOfStreamChunk"

// RelayState is the state of a relay.
type RelayState int

const (
	// StateStreaming forwards chunks unchanged.
	StateStreaming RelayState = iota
	// StateTerminated is reached once the end-of-stream substitute was emitted.
	StateTerminated
)

func (s RelayState) String() string {
	if s == StateTerminated {
		return "terminated"
	}
	return "streaming"
}

// Outcome is why a relay stopped.
type Outcome string

// Relay outcomes.
const (
	OutcomeTerminated Outcome = "terminated"
	OutcomeEOF        Outcome = "eof"
	OutcomeError      Outcome = "error"
	OutcomeCanceled   Outcome = "canceled"
)

// EndOfStreamDetector recognizes the provider's end-of-stream chunk.
type EndOfStreamDetector interface {
	IsEndOfStream(data string) bool
	EndOfStreamMarker() string
}

// UsageFunc computes usage metrics from every chunk payload received so far.
type UsageFunc func(chunks []string) (*metric.Metrics, error)

// EndOfStreamChunk is the payload of the synthetic terminal event.
type EndOfStreamChunk struct {
	Type             string          `json:"type"`
	NativeEOSMarker  string          `json:"nativeEOSMarker"`
	UsageMetrics     *metric.Metrics `json:"X-UsageMetrics"`
	TechnicalMetrics *metric.Metrics `json:"X-TechnicalMetrics"`
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	Detector    EndOfStreamDetector
	Usage       UsageFunc
	ServiceRef  string
	ServicePath string
	// Start is when the inbound request began; the terminal event reports the time elapsed since.
	Start time.Time
	// BufferSize is the output channel capacity.
	BufferSize int
	// OnTerminate, if set, receives both metric sets when the terminal event is emitted.
	OnTerminate func(usage, technical *metric.Metrics)
	// OnChunk, if set, is called with the index of every chunk forwarded unchanged.
	OnChunk func(index int)
	// OnDone, if set, is called once when Run stops, before its output closes.
	OnDone func(outcome Outcome, err error)
	Logger *slog.Logger
}

// chunkBuffer is the ordered accumulation of chunk payloads. Appends after
// close are dropped so a canceled request stops growing its buffer.
type chunkBuffer struct {
	mu     sync.Mutex
	items  []string
	closed bool
}

func (b *chunkBuffer) append(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.items = append(b.items, s)
	return true
}

func (b *chunkBuffer) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.items...)
}

func (b *chunkBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.items = nil
}

// Relay consumes an upstream event sequence strictly in order, forwards
// every chunk until the end-of-stream chunk, and replaces that one with a
// synthetic event carrying usage and technical metrics.
type Relay struct {
	cfg    RelayConfig
	buffer chunkBuffer

	mu     sync.Mutex
	state  RelayState
	chunks int
}

// NewRelay creates a relay in the streaming state.
func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now()
	}
	return &Relay{cfg: cfg}
}

// State returns the current state.
func (r *Relay) State() RelayState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run starts the consumer and returns its output. The output closes after
// the terminal event, after an upstream error (delivered as the last item),
// when in closes, or when ctx is done.
func (r *Relay) Run(ctx context.Context, in <-chan types.EventResult) <-chan types.EventResult {
	size := r.cfg.BufferSize
	if size <= 0 {
		size = DefaultChannelSize
	}
	out := make(chan types.EventResult, size)

	go func() {
		defer close(out)

		outcome, err := OutcomeEOF, error(nil)
		defer func() {
			if outcome == OutcomeCanceled {
				r.buffer.close()
			}
			if r.cfg.OnDone != nil {
				r.cfg.OnDone(outcome, err)
			}
		}()
		// plugin callbacks run here, off the request goroutine
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			outcome, err = OutcomeError, fmt.Errorf("stream relay panic: %v", rec)
			r.cfg.Logger.Error("stream relay panic",
				"service_path", r.cfg.ServicePath,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			select {
			case out <- types.EventResult{Err: err}:
			case <-ctx.Done():
			}
		}()

		send := func(item types.EventResult) bool {
			select {
			case out <- item:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			var (
				item types.EventResult
				ok   bool
			)
			select {
			case <-ctx.Done():
				outcome, err = OutcomeCanceled, ctx.Err()
				return
			case item, ok = <-in:
			}
			if !ok {
				return
			}
			if item.Err != nil {
				outcome, err = OutcomeError, item.Err
				send(item)
				return
			}

			ev, terminal := r.Process(item.Event)
			if !send(types.EventResult{Event: ev}) {
				outcome, err = OutcomeCanceled, ctx.Err()
				return
			}
			if terminal {
				outcome = OutcomeTerminated
				return
			}
		}
	}()

	return out
}

// Process handles one chunk and returns the event to emit. terminal is true
// when ev is the synthetic end-of-stream substitute. Chunks arriving after
// termination are returned unchanged with terminal set, and must be dropped.
func (r *Relay) Process(chunk types.Event) (ev types.Event, terminal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateTerminated {
		return chunk, true
	}
	r.buffer.append(chunk.Data)

	if r.cfg.Detector == nil || !r.cfg.Detector.IsEndOfStream(chunk.Data) {
		if r.cfg.OnChunk != nil {
			r.cfg.OnChunk(r.chunks)
		}
		r.chunks++
		return chunk, false
	}

	usage := r.usage()
	technical := &metric.Metrics{}
	elapsed := time.Since(r.cfg.Start).Milliseconds()
	technical.AddToComponent(r.cfg.ServiceRef, r.cfg.ServicePath,
		metric.Int(metric.NameServiceResponseTime, elapsed, metric.UnitResponseTime))

	payload, err := json.Marshal(EndOfStreamChunk{
		Type:             EndOfStreamChunkType,
		NativeEOSMarker:  r.cfg.Detector.EndOfStreamMarker(),
		UsageMetrics:     usage,
		TechnicalMetrics: technical,
	})
	if err != nil {
		r.cfg.Logger.Error("failed to encode end-of-stream chunk", "error", err)
		payload = []byte(`{"type":"` + EndOfStreamChunkType + `"}`)
	}

	r.state = StateTerminated
	if r.cfg.OnTerminate != nil {
		r.cfg.OnTerminate(usage, technical)
	}

	return types.Event{
		ID:    chunk.ID,
		Name:  chunk.Name,
		Retry: chunk.Retry,
		Data:  string(payload),
	}, true
}

func (r *Relay) usage() *metric.Metrics {
	if r.cfg.Usage == nil {
		return &metric.Metrics{}
	}
	usage, err := r.cfg.Usage(r.buffer.snapshot())
	if err != nil {
		r.cfg.Logger.Warn("usage metrics unavailable for stream",
			"service_path", r.cfg.ServicePath,
			"error", err,
		)
		return &metric.Metrics{}
	}
	if usage == nil {
		return &metric.Metrics{}
	}
	return usage
}
