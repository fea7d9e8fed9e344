// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/comptax/comptax-cli/internal/model"
	"github.com/comptax/comptax-cli/internal/sse"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// Event type names as sent on the wire.
const (
	TypeStart    = "start"
	TypeProgress = "progress"
	TypeChunk    = "chunk"
	TypeComplete = "complete"
	TypeError    = "error"
)

// Progress phases reported by the backend.
const (
	PhaseRetrieving = "retrieving"
	PhaseAnalyzing  = "analyzing"
	PhaseGenerating = "generating"
)

// Event is one decoded frame payload.
type Event interface {
	// EventType returns the wire event name.
	EventType() string
}

// StartEvent opens a session.
type StartEvent struct {
	ID             string  `json:"id"`
	Query          string  `json:"query"`
	Timestamp      float64 `json:"timestamp"`
	ConversationID string  `json:"conversation_id,omitempty"`
	UserMessageID  string  `json:"user_message_id,omitempty"`
}

// ProgressEvent reports a phase change.
type ProgressEvent struct {
	Status     string  `json:"status"`
	Completion float64 `json:"completion"`
}

// ChunkEvent carries incremental answer text.
type ChunkEvent struct {
	Text       string   `json:"text"`
	Completion *float64 `json:"completion,omitempty"`
}

// APISource is a retrieved document as sent by the backend.
type APISource struct {
	DocumentID     string          `json:"document_id"`
	Metadata       *SourceMetadata `json:"metadata,omitempty"`
	RelevanceScore float64         `json:"relevance_score"`
	Preview        string          `json:"preview,omitempty"`
}

// SourceMetadata is the structural position of a source document.
type SourceMetadata struct {
	Title        string `json:"title,omitempty"`
	Partie       *int   `json:"partie,omitempty"`
	Chapitre     *int   `json:"chapitre,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
}

// ToModel converts the wire source into the stored form.
func (s APISource) ToModel() model.Source {
	out := model.Source{
		DocumentID:     s.DocumentID,
		RelevanceScore: s.RelevanceScore,
		Preview:        s.Preview,
	}
	if s.Metadata != nil {
		out.Title = s.Metadata.Title
		out.Partie = s.Metadata.Partie
		out.Chapitre = s.Metadata.Chapitre
		out.DocumentType = s.Metadata.DocumentType
	}
	return out
}

// ToModelSources converts a source list, keeping its order. Nil stays nil.
func ToModelSources(src []APISource) []model.Source {
	if src == nil {
		return nil
	}
	out := make([]model.Source, len(src))
	for i, s := range src {
		out[i] = s.ToModel()
	}
	return out
}

// Performance holds backend timings in seconds.
type Performance struct {
	SearchTimeSeconds     float64 `json:"search_time_seconds,omitempty"`
	ContextTimeSeconds    float64 `json:"context_time_seconds,omitempty"`
	GenerationTimeSeconds float64 `json:"generation_time_seconds,omitempty"`
	TotalTimeSeconds      float64 `json:"total_time_seconds"`
}

// Total returns the total processing time.
func (p Performance) Total() time.Duration {
	return time.Duration(p.TotalTimeSeconds * float64(time.Second))
}

// CompleteEvent carries the authoritative final answer.
type CompleteEvent struct {
	ID             string      `json:"id"`
	Query          string      `json:"query"`
	Answer         string      `json:"answer"`
	Sources        []APISource `json:"sources,omitempty"`
	Performance    Performance `json:"performance"`
	Timestamp      float64     `json:"timestamp"`
	ConversationID string      `json:"conversation_id,omitempty"`
	UserMessageID  string      `json:"user_message_id,omitempty"`
	IAMessageID    string      `json:"ia_message_id,omitempty"`
}

// ErrorEvent is a server-reported failure.
type ErrorEvent struct {
	Error     string  `json:"error"`
	ID        string  `json:"id,omitempty"`
	Query     string  `json:"query,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (StartEvent) EventType() string    { return TypeStart }
func (ProgressEvent) EventType() string { return TypeProgress }
func (ChunkEvent) EventType() string    { return TypeChunk }
func (CompleteEvent) EventType() string { return TypeComplete }
func (ErrorEvent) EventType() string    { return TypeError }

// UnknownEventError is returned for a frame whose type is not part of the
// protocol and whose payload shape does not identify it either.
type UnknownEventError struct {
	Type string
}

// Error implements the error interface.
func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown stream event %q", e.Type)
}

// =============================================================================
// DECODING
// =============================================================================

// Decode turns a frame into its typed payload. A frame without a type is
// routed by the shape of its payload. JSON failures are returned as
// *sse.MalformedFrameError.
func Decode(f sse.Frame) (Event, error) {
	frameType := f.Type
	if frameType == "" {
		var shape map[string]json.RawMessage
		if err := sse.DecodeJSON(f, &shape); err != nil {
			return nil, err
		}
		frameType = inferType(shape)
		if frameType == "" {
			return nil, &UnknownEventError{Type: f.Type}
		}
	}

	var ev Event
	var err error
	switch frameType {
	case TypeStart:
		var e StartEvent
		err = sse.DecodeJSON(f, &e)
		ev = e
	case TypeProgress:
		var e ProgressEvent
		err = sse.DecodeJSON(f, &e)
		ev = e
	case TypeChunk:
		var e ChunkEvent
		err = sse.DecodeJSON(f, &e)
		ev = e
	case TypeComplete:
		var e CompleteEvent
		err = sse.DecodeJSON(f, &e)
		ev = e
	case TypeError:
		var e ErrorEvent
		err = sse.DecodeJSON(f, &e)
		ev = e
	default:
		return nil, &UnknownEventError{Type: frameType}
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// inferType identifies an untyped payload by its fields.
func inferType(shape map[string]json.RawMessage) string {
	has := func(k string) bool {
		_, ok := shape[k]
		return ok
	}
	switch {
	case has("text") && has("completion"):
		return TypeChunk
	case has("answer"):
		return TypeComplete
	case has("error"):
		return TypeError
	case has("status") && has("completion"):
		return TypeProgress
	default:
		return ""
	}
}
