// Package framing turns the newline-delimited byte stream written by a peer
// process into discrete JSON-RPC messages.
package framing

import (
	"bytes"
	"encoding/json"
	"iter"

	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
)

// MalformedFunc is invoked for every complete line that fails to decode.
type MalformedFunc func(line []byte, err error)

// Decoder accumulates partial lines between Feed calls. A Decoder is not safe
// for concurrent use; a session feeds it from a single reader goroutine.
type Decoder struct {
	buf         []byte
	onMalformed MalformedFunc
}

// Option customizes a Decoder.
type Option func(*Decoder)

// WithMalformedHandler registers a callback for lines that are not valid
// JSON-RPC objects. Such lines are always skipped.
func WithMalformedHandler(fn MalformedFunc) Option {
	return func(d *Decoder) {
		if fn != nil {
			d.onMalformed = fn
		}
	}
}

// NewDecoder constructs a Decoder.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends p to the pending buffer and returns the messages carried by
// every line completed so far. The trailing incomplete segment is retained
// for the next call. Lines are split eagerly, so the buffer state is updated
// even if the returned sequence is never ranged over; decoding is lazy.
func (d *Decoder) Feed(p []byte) iter.Seq[*jsonrpc.AnyMessage] {
	d.buf = append(d.buf, p...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, d.buf[:i:i])
		d.buf = d.buf[i+1:]
	}
	if len(d.buf) == 0 {
		// Release the backing array once everything has been consumed.
		d.buf = nil
	}

	return func(yield func(*jsonrpc.AnyMessage) bool) {
		for _, line := range lines {
			msg, ok := d.decode(line)
			if !ok {
				continue
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Buffered reports the number of bytes held for an incomplete line.
func (d *Decoder) Buffered() int { return len(d.buf) }

func (d *Decoder) decode(line []byte) (*jsonrpc.AnyMessage, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		if d.onMalformed != nil {
			d.onMalformed(line, err)
		}
		return nil, false
	}
	return &msg, true
}
