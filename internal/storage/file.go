// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/patelvivekdev/ai-sdk-v5/internal/logging"
	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
	"github.com/patelvivekdev/ai-sdk-v5/internal/util"
)

const sessionExt = ".json"

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore keeps one JSON document per session in BaseDir.
type FileStore struct {
	// BaseDir is the directory for storing sessions
	// Default: ~/.chatcore/sessions/
	BaseDir string

	mu  sync.Mutex
	now func() time.Time
}

// DefaultDir returns ~/.chatcore/sessions.
func DefaultDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".chatcore", "sessions"), nil
}

// NewFileStore creates a store rooted at baseDir, creating it if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		dir, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		baseDir = dir
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, opError("open", "", err)
	}
	return &FileStore{BaseDir: baseDir, now: time.Now}, nil
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// Get retrieves a session by ID.
func (s *FileStore) Get(ctx context.Context, id string) (*model.ChatSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateID(id); err != nil {
		return nil, opError("get", id, err)
	}
	sess, err := s.load(id)
	if err != nil {
		return nil, opError("get", id, err)
	}
	return sess, nil
}

func (s *FileStore) load(id string) (*model.ChatSession, error) {
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	var sess model.ChatSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// List returns all stored sessions. Corrupted files are skipped.
func (s *FileStore) List(ctx context.Context) ([]model.ChatSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []model.ChatSession{}, nil
		}
		return nil, opError("list", "", err)
	}

	sessions := make([]model.ChatSession, 0, len(entries))
	for _, entry := range entries {
		id, ok := sessionIDFromName(entry.Name())
		if entry.IsDir() || !ok {
			continue
		}
		sess, err := s.load(id)
		if err != nil {
			if !errors.Is(err, ErrSessionNotFound) {
				logging.Warn("SESSION_SKIP", "id", id, "err", err)
			}
			continue
		}
		sessions = append(sessions, *sess)
	}
	return sessions, nil
}

// =============================================================================
// WRITE OPERATIONS
// =============================================================================

// Put writes the session with an atomic rename.
func (s *FileStore) Put(ctx context.Context, id string, msgs []model.Message) (*model.ChatSession, error) {
	if err := checkPut(ctx, id, msgs); err != nil {
		return nil, opError("put", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load(id)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		// An unreadable record is replaced, losing only its createdAt.
		logging.Warn("SESSION_CORRUPT", "id", id, "err", err)
		existing = nil
	}
	rec := buildRecord(existing, id, msgs, stamp(s.now))

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, opError("put", id, err)
	}
	if err := util.AtomicWriteFile(s.filePath(id), data, 0644); err != nil {
		return nil, opError("put", id, err)
	}
	return &rec, nil
}

// Remove deletes a session file. Missing files are ignored.
func (s *FileStore) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateID(id); err != nil {
		return opError("remove", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.filePath(id)); err != nil && !os.IsNotExist(err) {
		return opError("remove", id, err)
	}
	return nil
}

// Clear removes all saved sessions.
func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return opError("clear", "", err)
	}

	var firstErr error
	for _, entry := range entries {
		if _, ok := sessionIDFromName(entry.Name()); !ok || entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.BaseDir, entry.Name())); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return opError("clear", "", firstErr)
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error {
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// filePath returns the file path for a session ID.
func (s *FileStore) filePath(id string) string {
	return filepath.Join(s.BaseDir, id+sessionExt)
}

// sessionIDFromName extracts the id from a session file name. Temp files
// from in-progress atomic writes are not sessions.
func sessionIDFromName(name string) (string, bool) {
	if util.IsTempFile(name) || !strings.HasSuffix(name, sessionExt) {
		return "", false
	}
	id := strings.TrimSuffix(name, sessionExt)
	if ValidateID(id) != nil {
		return "", false
	}
	return id, true
}
