// Package streaming relays server-sent event streams between an upstream
// service and the gateway's caller. It decodes upstream events
// incrementally, runs the end-of-stream substitution state machine, and
// writes events to the downstream response.
package streaming

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/blueberrycongee/espgate/pkg/types"
)

const (
	// DefaultBufferSize is the initial size of decoder line buffers.
	DefaultBufferSize = 4096

	// DefaultMaxLineSize bounds a single SSE line.
	DefaultMaxLineSize = 1 << 20

	// DefaultChannelSize is the capacity of event channels between producer and consumer.
	DefaultChannelSize = 16
)

// bufferPool provides reusable byte buffers to reduce GC pressure.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	bufferPool.Put(buf)
}

// Decoder reads events from an SSE byte stream one at a time.
type Decoder struct {
	scanner *bufio.Scanner
	buf     *[]byte
	lastID  string
}

// NewDecoder returns a decoder over r. maxLine <= 0 selects DefaultMaxLineSize.
func NewDecoder(r io.Reader, maxLine int) *Decoder {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	buf := getBuffer()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(*buf, maxLine)
	return &Decoder{scanner: scanner, buf: buf}
}

// Next returns the next event with a non-empty data field, or io.EOF.
// Comment lines and data-less events are skipped. The id of an event
// without its own id field is the last id seen, as in the SSE model.
func (d *Decoder) Next() (types.Event, error) {
	var (
		ev      types.Event
		data    strings.Builder
		hasData bool
		hasID   bool
	)

	dispatch := func() (types.Event, bool) {
		if !hasData {
			ev, hasID = types.Event{}, false
			return types.Event{}, false
		}
		if !hasID {
			ev.ID = d.lastID
		}
		ev.Data = data.String()
		return ev, true
	}

	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}

		if len(line) == 0 {
			if out, ok := dispatch(); ok {
				return out, nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], line[i+1:]
			if len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
		}

		switch string(field) {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.Write(value)
			hasData = true
		case "event":
			ev.Name = string(value)
		case "id":
			ev.ID = string(value)
			d.lastID = ev.ID
			hasID = true
		case "retry":
			if n, err := strconv.ParseUint(string(value), 10, 32); err == nil {
				ev.Retry = uint(n)
			}
		}
	}

	if err := d.scanner.Err(); err != nil {
		return types.Event{}, fmt.Errorf("scanner error: %w", err)
	}
	if out, ok := dispatch(); ok {
		return out, nil
	}
	return types.Event{}, io.EOF
}

// Release returns the decoder's buffer to the pool. The decoder must not be used afterwards.
func (d *Decoder) Release() {
	if d.buf != nil {
		putBuffer(d.buf)
		d.buf = nil
	}
}

// Pump decodes body into a bounded channel until EOF, a read error or ctx
// cancellation. The body is closed and the channel closed on return. onDone
// receives nil after a clean EOF and the terminating error otherwise.
func Pump(ctx context.Context, body io.ReadCloser, size, maxLine int, onDone func(error)) <-chan types.EventResult {
	if size <= 0 {
		size = DefaultChannelSize
	}
	out := make(chan types.EventResult, size)

	go func() {
		defer close(out)
		defer body.Close()

		dec := NewDecoder(body, maxLine)
		defer dec.Release()

		// Unblock a pending Read when the caller goes away.
		stop := context.AfterFunc(ctx, func() { _ = body.Close() })
		defer stop()

		var final error
		defer func() {
			if onDone != nil {
				onDone(final)
			}
		}()

		for {
			ev, err := dec.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				final = err
				select {
				case out <- types.EventResult{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- types.EventResult{Event: ev}:
			case <-ctx.Done():
				final = ctx.Err()
				return
			}
		}
	}()

	return out
}
