// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the storage, model and CLI
// packages.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//   - TruncateAtWord: truncation that never splits a word (conversation titles)
//   - StringWidth, PadRight, TruncateWidth: terminal column width aware helpers
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync
//
// # Usage
//
//	title := util.TruncateAtWord(question, 30)
//	err := util.AtomicWriteFile(path, data, 0600)
package util
