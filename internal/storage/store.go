// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/comptax/comptax-cli/internal/model"
)

// Backend names a Sink implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
)

// SQLiteFileName is the database file name inside the storage directory.
const SQLiteFileName = "conversations.db"

// Sink persists conversations by local id.
type Sink interface {
	// Save creates or replaces the conversation.
	Save(conv *model.Conversation) error
	// Load returns the conversation or ErrConversationNotFound.
	Load(id string) (*model.Conversation, error)
	// LoadAll returns every stored conversation, most recent first.
	LoadAll() ([]*model.Conversation, error)
	// List returns listing metadata, most recent first.
	List() ([]model.ConversationMeta, error)
	// Delete removes the conversation or returns ErrConversationNotFound.
	Delete(id string) error
	// Close releases resources.
	Close() error
}

// Open creates the sink for backend rooted at dir.
func Open(backend Backend, dir string) (Sink, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(filepath.Join(dir, "conversations"))
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(dir, SQLiteFileName))
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrConversationNotFound is returned when a conversation doesn't exist.
// Use errors.Is(err, ErrConversationNotFound) to check for this error.
var ErrConversationNotFound = &ConversationError{Message: "conversation not found"}

// ConversationError represents a conversation-related error.
type ConversationError struct {
	Message string
	ID      string
}

// Error implements the error interface.
func (e *ConversationError) Error() string {
	if e.ID != "" {
		return e.Message + ": " + e.ID
	}
	return e.Message
}

// Is matches on Message so errors carrying an id still compare equal to
// the sentinel.
func (e *ConversationError) Is(target error) bool {
	t, ok := target.(*ConversationError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

func notFound(id string) error {
	return &ConversationError{Message: ErrConversationNotFound.Message, ID: id}
}

// =============================================================================
// SEARCH
// =============================================================================

// Search returns conversations whose title or any message contains query
// (case-insensitive), most recent first.
func Search(s Sink, query string) ([]model.ConversationMeta, error) {
	convs, err := s.LoadAll()
	if err != nil {
		return nil, err
	}

	var out []model.ConversationMeta
	for _, c := range convs {
		if Matches(c, query) {
			out = append(out, c.Meta())
		}
	}
	return out, nil
}

// Matches reports whether the title or any message of c contains query,
// ignoring case. An empty query matches everything.
func Matches(c *model.Conversation, query string) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return true
	}
	if strings.Contains(strings.ToLower(c.Title), query) {
		return true
	}
	return slices.ContainsFunc(c.Messages(), func(m *model.Message) bool {
		return strings.Contains(strings.ToLower(m.Content), query)
	})
}

// sortRecent orders conversations by last update, most recent first.
func sortRecent(convs []*model.Conversation) {
	slices.SortStableFunc(convs, func(a, b *model.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
}

func metas(convs []*model.Conversation) []model.ConversationMeta {
	out := make([]model.ConversationMeta, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.Meta())
	}
	return out
}
