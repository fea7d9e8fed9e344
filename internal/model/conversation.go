// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/comptax/comptax-cli/internal/util"
)

const (
	// TitleMaxRunes is the approximate length of a derived title.
	TitleMaxRunes = 30

	// DefaultTitle is shown for a conversation without a title.
	DefaultTitle = "Nouvelle conversation"
)

var (
	// ErrMessageNotFound is returned when no message has the given local id.
	ErrMessageNotFound = errors.New("message not found")

	// ErrDuplicateMessage is returned when a message id is already present.
	ErrDuplicateMessage = errors.New("message id already present")
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds an ordered message list plus metadata. It is not safe
// for concurrent use; the chat manager serializes access.
type Conversation struct {
	// ID is the local id, stable for the conversation's lifetime.
	ID string
	// ServerID is the backend's id once the conversation exists there.
	ServerID string

	Title string
	// TitleLocked is set by an explicit rename and stops auto-titling.
	TitleLocked bool

	CreatedAt time.Time
	UpdatedAt time.Time

	// Synced is true when the backend holds the current state.
	Synced bool

	messages map[string]*Message
	order    []string
}

// NewConversation creates an empty conversation. An empty title is derived
// from the first user message.
func NewConversation(title string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        "conv_" + uuid.NewString(),
		Title:     strings.TrimSpace(title),
		CreatedAt: now,
		UpdatedAt: now,
		messages:  make(map[string]*Message),
	}
}

// DeriveTitle builds a conversation title from the first question: about
// TitleMaxRunes characters cut after a whole word, with "..." if shortened.
func DeriveTitle(text string) string {
	return util.TruncateAtWord(flatten(text), TitleMaxRunes)
}

// flatten collapses runs of whitespace, newlines included, to one space.
func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// Len returns the number of messages.
func (c *Conversation) Len() int {
	return len(c.order)
}

// IsEmpty returns true if there are no messages.
func (c *Conversation) IsEmpty() bool {
	return len(c.order) == 0
}

// Append adds msg at the end.
func (c *Conversation) Append(msg *Message) error {
	return c.insertAt(len(c.order), msg)
}

// InsertAfter adds msg right after the message with local id afterID. If
// afterID is empty or no longer present the message is appended.
func (c *Conversation) InsertAfter(afterID string, msg *Message) error {
	pos := len(c.order)
	if afterID != "" {
		if i := slices.Index(c.order, afterID); i >= 0 {
			pos = i + 1
		}
	}
	return c.insertAt(pos, msg)
}

func (c *Conversation) insertAt(pos int, msg *Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("insert message: missing id")
	}
	if c.messages == nil {
		c.messages = make(map[string]*Message)
	}
	if _, ok := c.messages[msg.ID]; ok {
		return fmt.Errorf("insert %s: %w", msg.ID, ErrDuplicateMessage)
	}

	c.messages[msg.ID] = msg
	c.order = slices.Insert(c.order, pos, msg.ID)
	c.UpdatedAt = time.Now()
	c.updateTitle()
	return nil
}

// Update applies fn to the message with the given local id. The id itself
// cannot be changed by fn.
func (c *Conversation) Update(id string, fn func(*Message)) error {
	msg, ok := c.messages[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, ErrMessageNotFound)
	}
	fn(msg)
	msg.ID = id
	c.UpdatedAt = time.Now()
	return nil
}

// Remove deletes a message by local id.
func (c *Conversation) Remove(id string) bool {
	if _, ok := c.messages[id]; !ok {
		return false
	}
	delete(c.messages, id)
	c.order = slices.DeleteFunc(c.order, func(o string) bool { return o == id })
	c.UpdatedAt = time.Now()
	return true
}

// Message returns a copy of the message with the given local id.
func (c *Conversation) Message(id string) (*Message, bool) {
	msg, ok := c.messages[id]
	if !ok {
		return nil, false
	}
	return msg.Clone(), true
}

// FindByServerID returns a copy of the message with the given server id.
func (c *Conversation) FindByServerID(serverID string) (*Message, bool) {
	if serverID == "" {
		return nil, false
	}
	for _, id := range c.order {
		if m := c.messages[id]; m.ServerID == serverID {
			return m.Clone(), true
		}
	}
	return nil, false
}

// Messages returns copies of all messages in order.
func (c *Conversation) Messages() []*Message {
	out := make([]*Message, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.messages[id].Clone())
	}
	return out
}

// LastMessage returns a copy of the most recent message.
func (c *Conversation) LastMessage() (*Message, bool) {
	if len(c.order) == 0 {
		return nil, false
	}
	return c.messages[c.order[len(c.order)-1]].Clone(), true
}

// LastAssistantMessage returns a copy of the most recent assistant message.
func (c *Conversation) LastAssistantMessage() (*Message, bool) {
	for i := len(c.order) - 1; i >= 0; i-- {
		if m := c.messages[c.order[i]]; m.Role == RoleAssistant {
			return m.Clone(), true
		}
	}
	return nil, false
}

// =============================================================================
// TITLE AND SYNC
// =============================================================================

// updateTitle derives a title from the first user message if none is set.
func (c *Conversation) updateTitle() {
	if c.Title != "" || c.TitleLocked {
		return
	}
	for _, id := range c.order {
		if m := c.messages[id]; m.Role == RoleUser && strings.TrimSpace(m.Content) != "" {
			c.Title = DeriveTitle(m.Content)
			return
		}
	}
}

// Rename sets the title explicitly and stops auto-titling.
func (c *Conversation) Rename(title string) {
	c.Title = strings.TrimSpace(title)
	c.TitleLocked = true
	c.UpdatedAt = time.Now()
}

// DisplayTitle returns the title or DefaultTitle.
func (c *Conversation) DisplayTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return DefaultTitle
}

// MarkSynced records the backend id and flags the conversation synced.
func (c *Conversation) MarkSynced(serverID string) {
	if serverID != "" {
		c.ServerID = serverID
	}
	c.Synced = c.ServerID != ""
}

// =============================================================================
// LISTING
// =============================================================================

// ConversationMeta holds lightweight metadata for listing.
type ConversationMeta struct {
	ID           string    `json:"id"`
	ServerID     string    `json:"server_id,omitempty"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Preview      string    `json:"preview"`
	Synced       bool      `json:"synced"`
}

// Preview returns a short preview from the last user message.
func (c *Conversation) Preview() string {
	for i := len(c.order) - 1; i >= 0; i-- {
		if m := c.messages[c.order[i]]; m.Role == RoleUser {
			return m.Preview(100)
		}
	}
	return ""
}

// Meta returns metadata about the conversation.
func (c *Conversation) Meta() ConversationMeta {
	return ConversationMeta{
		ID:           c.ID,
		ServerID:     c.ServerID,
		Title:        c.DisplayTitle(),
		MessageCount: len(c.order),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		Preview:      c.Preview(),
		Synced:       c.Synced,
	}
}

// Clone creates a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	clone := *c
	clone.messages = make(map[string]*Message, len(c.messages))
	for id, m := range c.messages {
		clone.messages[id] = m.Clone()
	}
	clone.order = slices.Clone(c.order)
	return &clone
}

// =============================================================================
// SERIALIZATION
// =============================================================================

// conversationJSON is the persisted form: messages as an ordered array.
type conversationJSON struct {
	ID          string     `json:"id"`
	ServerID    string     `json:"server_id,omitempty"`
	Title       string     `json:"title"`
	TitleLocked bool       `json:"title_locked,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Synced      bool       `json:"synced"`
	Messages    []*Message `json:"messages"`
}

// MarshalJSON implements json.Marshaler.
func (c *Conversation) MarshalJSON() ([]byte, error) {
	msgs := make([]*Message, 0, len(c.order))
	for _, id := range c.order {
		msgs = append(msgs, c.messages[id])
	}
	return json.Marshal(conversationJSON{
		ID:          c.ID,
		ServerID:    c.ServerID,
		Title:       c.Title,
		TitleLocked: c.TitleLocked,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		Synced:      c.Synced,
		Messages:    msgs,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Duplicate message ids keep
// the first occurrence.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	var raw conversationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*c = Conversation{
		ID:          raw.ID,
		ServerID:    raw.ServerID,
		Title:       raw.Title,
		TitleLocked: raw.TitleLocked,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   raw.UpdatedAt,
		Synced:      raw.Synced,
		messages:    make(map[string]*Message, len(raw.Messages)),
		order:       make([]string, 0, len(raw.Messages)),
	}
	for _, m := range raw.Messages {
		if m == nil || m.ID == "" {
			continue
		}
		if _, dup := c.messages[m.ID]; dup {
			continue
		}
		c.messages[m.ID] = m
		c.order = append(c.order, m.ID)
	}
	return nil
}
