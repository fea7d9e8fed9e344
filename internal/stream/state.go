// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"errors"
	"fmt"

	"github.com/comptax/comptax-cli/internal/transport"
)

// State is the lifecycle position of a session.
type State int

const (
	Idle State = iota
	Connecting
	Streaming
	Complete
	Failed
	Cancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition can happen.
func (s State) IsTerminal() bool {
	return s == Complete || s == Failed || s == Cancelled
}

// IsLive reports whether frames are expected in this state.
func (s State) IsLive() bool {
	return s == Connecting || s == Streaming
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrStreamTruncated is reported when the server closed the stream
	// before sending a complete frame.
	ErrStreamTruncated = errors.New("stream ended before the answer was complete")

	// ErrSessionStarted is returned when Start is called twice, or after
	// the session was cancelled.
	ErrSessionStarted = errors.New("session already started")
)

// ServerError is a failure reported by the backend in an error frame.
type ServerError struct {
	Message string
	QueryID string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// FailureKind groups session failures for diagnostics.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// FailureOpen: non-2xx status or connection refused before any frame.
	FailureOpen
	// FailureMidStream: network drop after partial content.
	FailureMidStream
	// FailureServer: an error frame from the backend.
	FailureServer
)

// String returns the kind name.
func (k FailureKind) String() string {
	switch k {
	case FailureOpen:
		return "open"
	case FailureMidStream:
		return "mid-stream"
	case FailureServer:
		return "server"
	default:
		return "none"
	}
}

// ClassifyFailure maps a session error to its kind.
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var se *ServerError
	if errors.As(err, &se) {
		return FailureServer
	}
	if transport.IsOpenFailure(err) {
		return FailureOpen
	}
	return FailureMidStream
}
