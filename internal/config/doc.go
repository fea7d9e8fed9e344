// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for comptax.
//
// Configuration is a single TOML file with sensible defaults, environment
// variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - StreamConfig: Transport strategy and retrieval options for queries
//   - StorageConfig: Local conversation store selection
//   - ValidationError: One invalid field, collected into ValidateErrors
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (COMPTAX_*)
//   - ~/.comptax/config.toml, or the file named by COMPTAX_CONFIG
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//
// Access settings:
//
//	base := cfg.API.BaseURL
//	n := cfg.Stream.NResults
package config
