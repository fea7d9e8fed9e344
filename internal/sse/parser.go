// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxLineSize bounds a single buffered line (1MB). A line longer than this
// is a protocol violation; the parser drops it rather than growing forever.
const MaxLineSize = 1024 * 1024

// =============================================================================
// FRAME
// =============================================================================

// Frame is one decoded SSE event.
type Frame struct {
	// Type is the event type. Empty when the stream never sent an event line.
	Type string
	// Data is the raw payload (JSON for this protocol).
	Data string
}

// MalformedFrameError is returned when a frame payload is not valid JSON.
// It carries the frame type and raw data so callers can log them.
type MalformedFrameError struct {
	Type string
	Raw  string
	Err  error
}

// Error implements the error interface.
func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed %q frame: %v", e.Type, e.Err)
}

// Unwrap returns the underlying JSON error.
func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

// DecodeJSON unmarshals the frame payload into v.
func DecodeJSON(f Frame, v any) error {
	if err := json.Unmarshal([]byte(f.Data), v); err != nil {
		return &MalformedFrameError{Type: f.Type, Raw: f.Data, Err: err}
	}
	return nil
}

// =============================================================================
// PARSER
// =============================================================================

// Parser reassembles frames from arbitrarily chunked input.
// A Parser is not safe for concurrent use; one stream owns one parser.
type Parser struct {
	line []byte
	// skipping is set while discarding the rest of an oversized line.
	skipping bool

	pendingType string
	typeSet     bool
	data        []string

	// lastType is the most recently seen event type across frames.
	lastType string

	closed bool
}

// NewParser creates an empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes a chunk of input and returns the frames it completed.
// Feeding a closed parser returns nil.
func (p *Parser) Feed(chunk []byte) []Frame {
	if p.closed {
		return nil
	}

	var frames []Frame
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			if p.skipping {
				return frames
			}
			if len(p.line)+len(chunk) > MaxLineSize {
				p.line = p.line[:0]
				p.skipping = true
				return frames
			}
			p.line = append(p.line, chunk...)
			return frames
		}
		if p.skipping {
			p.skipping = false
			chunk = chunk[i+1:]
			continue
		}

		if len(p.line)+i > MaxLineSize {
			p.line = p.line[:0]
			chunk = chunk[i+1:]
			continue
		}

		var line []byte
		if len(p.line) > 0 {
			p.line = append(p.line, chunk[:i]...)
			line = p.line
		} else {
			line = chunk[:i]
		}
		chunk = chunk[i+1:]

		if f, ok := p.processLine(line); ok {
			frames = append(frames, f)
		}
		p.line = p.line[:0]
	}
	return frames
}

// Close signals end of input. A trailing unterminated line is processed and
// a pending frame with data is flushed. The parser yields nothing afterwards.
func (p *Parser) Close() []Frame {
	if p.closed {
		return nil
	}

	var frames []Frame
	if len(p.line) > 0 {
		if f, ok := p.processLine(p.line); ok {
			frames = append(frames, f)
		}
		p.line = nil
	}
	if f, ok := p.flush(); ok {
		frames = append(frames, f)
	}
	p.closed = true
	return frames
}

// processLine applies one line to the pending frame. It returns a frame
// when the line was the blank terminator of a complete frame.
func (p *Parser) processLine(line []byte) (Frame, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))

	if len(line) == 0 {
		return p.flush()
	}

	switch {
	case bytes.HasPrefix(line, []byte("event:")):
		p.pendingType = string(bytes.TrimSpace(line[len("event:"):]))
		p.typeSet = true
		p.lastType = p.pendingType
	case bytes.HasPrefix(line, []byte("data:")):
		value := line[len("data:"):]
		value = bytes.TrimPrefix(value, []byte(" "))
		p.data = append(p.data, string(value))
	}
	// Comments (":"), id:, retry: and unknown fields are ignored.
	return Frame{}, false
}

// flush emits the pending frame if it has a payload and resets it.
func (p *Parser) flush() (Frame, bool) {
	defer func() {
		p.pendingType = ""
		p.typeSet = false
		p.data = p.data[:0]
	}()

	if len(p.data) == 0 {
		return Frame{}, false
	}

	frameType := p.lastType
	if p.typeSet {
		frameType = p.pendingType
	}

	data := p.data[0]
	if len(p.data) > 1 {
		var buf bytes.Buffer
		for i, d := range p.data {
			if i > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(d)
		}
		data = buf.String()
	}
	return Frame{Type: frameType, Data: data}, true
}

// =============================================================================
// READER
// =============================================================================

// Reader exposes a lazy, finite frame sequence over an io.Reader.
type Reader struct {
	r       io.Reader
	parser  *Parser
	buf     []byte
	pending []Frame
	err     error
}

// NewReader creates a frame reader. Reads are 4KB at a time.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:      r,
		parser: NewParser(),
		buf:    make([]byte, 4096),
	}
}

// Next returns the next frame. It returns io.EOF once the input is exhausted
// and every buffered frame has been returned. Read errors other than io.EOF
// are returned after the frames completed before the failure.
func (r *Reader) Next() (Frame, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return Frame{}, r.err
		}

		n, err := r.r.Read(r.buf)
		if n > 0 {
			r.pending = append(r.pending, r.parser.Feed(r.buf[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.pending = append(r.pending, r.parser.Close()...)
				r.err = io.EOF
			} else {
				r.err = err
			}
		}
	}

	f := r.pending[0]
	r.pending = r.pending[1:]
	return f, nil
}
