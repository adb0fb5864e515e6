// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates the chatcore configuration.
//
// Supports both TOML and JSON configuration formats, with defaults, .env
// files and environment variable overrides.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - StorageConfig: Session backend and watcher settings
//   - ClientConfig: Remote inference endpoint
//   - ChatConfig: Reasoning, attachment and regenerate defaults
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (CHATCORE_*, GOOGLE_GENERATIVE_AI_API_KEY)
//   - .env in the working directory
//   - ~/.chatcore/config.toml
//   - ~/.chatcore/config.json
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DataDir)
package config
