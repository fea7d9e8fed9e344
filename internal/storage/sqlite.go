// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/comptax/comptax-cli/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
    id            TEXT PRIMARY KEY,
    server_id     TEXT NOT NULL DEFAULT '',
    title         TEXT NOT NULL,
    synced        INTEGER NOT NULL DEFAULT 0,
    message_count INTEGER NOT NULL DEFAULT 0,
    preview       TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL,
    data          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);
`

// SQLiteStore keeps conversations in one SQLite database. Listing reads
// only the metadata columns; the full conversation is a JSON document.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Save inserts or replaces a conversation.
func (s *SQLiteStore) Save(conv *model.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("save conversation: missing id")
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", conv.ID, err)
	}

	meta := conv.Meta()
	_, err = s.db.Exec(`
		INSERT INTO conversations
		    (id, server_id, title, synced, message_count, preview, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    server_id = excluded.server_id,
		    title = excluded.title,
		    synced = excluded.synced,
		    message_count = excluded.message_count,
		    preview = excluded.preview,
		    updated_at = excluded.updated_at,
		    data = excluded.data`,
		meta.ID, meta.ServerID, meta.Title, meta.Synced, meta.MessageCount, meta.Preview,
		meta.CreatedAt.UnixNano(), meta.UpdatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// Load retrieves a conversation by ID.
func (s *SQLiteStore) Load(id string) (*model.Conversation, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM conversations WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return decodeConversation(id, data)
}

// LoadAll returns every conversation, most recent first.
func (s *SQLiteStore) LoadAll() ([]*model.Conversation, error) {
	rows, err := s.db.Query(`SELECT id, data FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	defer rows.Close()

	var convs []*model.Conversation
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		conv, err := decodeConversation(id, data)
		if err != nil {
			continue
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// List returns listing metadata without decoding message bodies.
func (s *SQLiteStore) List() ([]model.ConversationMeta, error) {
	rows, err := s.db.Query(`
		SELECT id, server_id, title, synced, message_count, preview, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []model.ConversationMeta
	for rows.Next() {
		var m model.ConversationMeta
		var created, updated int64
		if err := rows.Scan(&m.ID, &m.ServerID, &m.Title, &m.Synced, &m.MessageCount, &m.Preview, &created, &updated); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, created)
		m.UpdatedAt = time.Unix(0, updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes a conversation by ID.
func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(id)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeConversation(id, data string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := json.Unmarshal([]byte(data), &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &conv, nil
}
