// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/comptax/comptax-cli/internal/model"
	"github.com/comptax/comptax-cli/internal/util"
)

// FileStore keeps one JSON file per conversation.
type FileStore struct {
	// BaseDir is the directory for storing conversations
	// Default: ~/.comptax/conversations/
	BaseDir string

	// Logger receives warnings about unreadable files. Nil discards.
	Logger *slog.Logger

	mu sync.Mutex
}

// NewFileStore creates a store rooted at baseDir, creating it if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{BaseDir: baseDir}, nil
}

// Save persists a conversation.
func (s *FileStore) Save(conv *model.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("save conversation: missing id")
	}
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", conv.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Conversations can hold financial questions; keep them owner-only.
	if err := util.AtomicWriteFile(s.filePath(conv.ID), data, 0o600); err != nil {
		return fmt.Errorf("write conversation %s: %w", conv.ID, err)
	}
	return nil
}

// Load retrieves a conversation by ID.
func (s *FileStore) Load(id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id)
}

func (s *FileStore) loadLocked(id string) (*model.Conversation, error) {
	if !validID(id) {
		return nil, notFound(id)
	}
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(id)
		}
		return nil, err
	}

	var conv model.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

// LoadAll returns every readable conversation, most recent first. Corrupted
// files are skipped.
func (s *FileStore) LoadAll() ([]*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var convs []*model.Conversation
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		conv, err := s.loadLocked(id)
		if err != nil {
			s.logger().Warn("skipping unreadable conversation", "file", entry.Name(), "error", err)
			continue
		}
		convs = append(convs, conv)
	}

	sortRecent(convs)
	return convs, nil
}

// List returns metadata for all saved conversations.
func (s *FileStore) List() ([]model.ConversationMeta, error) {
	convs, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	return metas(convs), nil
}

// Delete removes a conversation by ID.
func (s *FileStore) Delete(id string) error {
	if !validID(id) {
		return notFound(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.filePath(id)); err != nil {
		if os.IsNotExist(err) {
			return notFound(id)
		}
		return err
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

// filePath returns the file path for a conversation ID.
func (s *FileStore) filePath(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}

func (s *FileStore) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
}

// validID rejects ids that would escape BaseDir.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}
