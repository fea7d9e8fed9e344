// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/comptax/comptax-cli/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// =============================================================================
// FEEDBACK
// =============================================================================

// ErrInvalidRating is returned for a rating outside {-1} ∪ [1, 5].
var ErrInvalidRating = errors.New("rating must be -1, +1 or between 1 and 5")

// Feedback is the user's judgement of an assistant answer. Rating is either
// thumbs (-1 / +1) or a 1..5 scale.
type Feedback struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// Validate checks the rating range.
func (f Feedback) Validate() error {
	if f.Rating == -1 || (f.Rating >= 1 && f.Rating <= 5) {
		return nil
	}
	return ErrInvalidRating
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
type Message struct {
	// ID is the local id. Assigned at creation and never changed.
	ID string `json:"id"`
	// ServerID is set once the backend has stored the message.
	ServerID string `json:"server_id,omitempty"`

	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	Sources  []Source  `json:"sources,omitempty"`
	Feedback *Feedback `json:"feedback,omitempty"`

	// Streaming is true while a session is still writing the message.
	Streaming bool `json:"streaming,omitempty"`

	// Duration is the backend's total processing time for an answer.
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// NewID returns a fresh local message id.
func NewID() string {
	return "msg_" + uuid.NewString()
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantPlaceholder creates the empty streaming assistant message a
// session writes into. An empty id generates one.
func NewAssistantPlaceholder(id string) *Message {
	if id == "" {
		id = NewID()
	}
	return &Message{
		ID:        id,
		Role:      RoleAssistant,
		Timestamp: time.Now(),
		Streaming: true,
	}
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	if m.Sources != nil {
		c.Sources = append([]Source(nil), m.Sources...)
	}
	if m.Feedback != nil {
		fb := *m.Feedback
		c.Feedback = &fb
	}
	return &c
}

// Preview returns a one-line preview of the content.
func (m *Message) Preview(maxLen int) string {
	return util.TruncateRunes(flatten(m.Content), maxLen)
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0
}

// SortedSources returns the sources by relevance, highest first. Storage
// order is left untouched.
func (m *Message) SortedSources() []Source {
	return SortSources(m.Sources)
}
