// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes conversations to shareable files.
//
// # Key Types
//
//   - Exporter: converts a conversation to one format
//   - MarkdownExporter: transcript with YAML frontmatter and sources
//   - JSONExporter: the full conversation as stored
//   - Options: metadata, timestamps, sources and output location
//
// # Usage
//
//	exp, err := export.ForFormat("md", export.DefaultOptions())
//	path, err := export.ExportToFile(conv, exp, opts)
package export
