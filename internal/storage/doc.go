// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides local conversation persistence.
//
// Every backend implements Sink, a plain save/load/delete contract. Stores
// are unbounded: nothing is ever evicted.
//
// # Key Types
//
//   - Sink: the persistence contract used by the chat manager
//   - FileStore: one JSON file per conversation (default)
//   - SQLiteStore: a single SQLite database file
//   - MemoryStore: in-process only, nothing survives exit
//
// # Usage
//
//	sink, err := storage.Open(storage.BackendFile, dir)
//	if err != nil {
//	    return err
//	}
//	defer sink.Close()
//	err = sink.Save(conv)
//
// # Storage Location
//
// Conversations are stored in ~/.comptax/conversations/ as JSON files, or
// in ~/.comptax/conversations.db with the sqlite backend.
package storage
