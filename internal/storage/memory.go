// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"sync"

	"github.com/comptax/comptax-cli/internal/model"
)

// MemoryStore keeps deep copies of conversations in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	convs map[string]*model.Conversation
	saves int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*model.Conversation)}
}

// Save stores a copy of conv.
func (s *MemoryStore) Save(conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv.Clone()
	s.saves++
	return nil
}

// Load returns a copy of the stored conversation.
func (s *MemoryStore) Load(id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, notFound(id)
	}
	return c.Clone(), nil
}

// LoadAll returns copies of every conversation, most recent first.
func (s *MemoryStore) LoadAll() ([]*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.Clone())
	}
	sortRecent(out)
	return out, nil
}

// List returns listing metadata, most recent first.
func (s *MemoryStore) List() ([]model.ConversationMeta, error) {
	convs, _ := s.LoadAll()
	return metas(convs), nil
}

// Delete removes a conversation.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return notFound(id)
	}
	delete(s.convs, id)
	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
