// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides session persistence.
//
// A Store is keyed storage of model.ChatSession records with get, list, put,
// remove and clear. Put preserves the creation time of an existing record
// and refuses empty message lists; callers route empty results to Remove.
//
// # Key Types
//
//   - Store: persistence interface implemented by every backend
//   - FileStore: one JSON document per session, written atomically
//   - SQLiteStore: single-table SQLite database (pure Go driver)
//   - MemoryStore: process-local map, used in tests
//   - ObservedStore: Store wrapper publishing Change events to a Notifier
//   - Watcher: fsnotify watcher republishing changes made by other processes
//   - SessionMeta: lightweight metadata for listing
//
// # Usage
//
// Open a store and subscribe to one session:
//
//	base, err := storage.Open(storage.BackendFile, dataDir)
//	store := storage.Observe(base)
//	changes, cancel := store.Subscribe(sessionID)
//	defer cancel()
//
// List sessions for display:
//
//	sessions, err := store.List(ctx)
//	storage.SortNewestFirst(sessions)
//	metas := storage.Summaries(sessions)
//
// # Storage Location
//
// Sessions are stored in ~/.chatcore/sessions/ by default.
package storage
