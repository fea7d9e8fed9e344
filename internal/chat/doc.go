// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat manages the in-memory conversation collection.
//
// The Manager is the single owner of every model.Conversation. Other
// packages never hold a live pointer: they read clones and write through
// Mutate, which locates the conversation by local id under the manager's
// lock. Streaming writes and user actions (rename, delete, select) can
// therefore interleave without corrupting each other.
//
// # Key Types
//
//   - Manager: conversation collection, current selection and persistence
//   - Options: storage sink, REST client and save throttling
//   - SyncError: a local change that could not be pushed to the backend
//
// # Persistence
//
// Every mutation is written to the storage sink. While a conversation holds
// a streaming placeholder, writes are throttled; the write that finalizes
// the placeholder always goes through. When a token is available, only
// conversations not yet synced with the backend are kept locally.
//
// # Usage
//
//	mgr := chat.New(chat.Options{Sink: sink, Client: client})
//	if err := mgr.Load(ctx); err != nil {
//	    logger.Warn("load conversations", "error", err)
//	}
//	conv, err := mgr.Create(ctx, "")
package chat
