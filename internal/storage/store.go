// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is durable keyed storage of chat sessions. A single Put is atomic;
// there is no atomicity across a Get followed by a Put.
type Store interface {
	// Get returns the session or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*model.ChatSession, error)

	// List returns every session in no particular order.
	List(ctx context.Context) ([]model.ChatSession, error)

	// Put upserts the session's messages. An existing CreatedAt and Title
	// are kept; a new record is stamped with the current time. Empty
	// message lists are rejected with ErrEmptySession.
	Put(ctx context.Context, id string, msgs []model.Message) (*model.ChatSession, error)

	// Remove deletes the session. Removing a missing session is not an error.
	Remove(ctx context.Context, id string) error

	// Clear deletes every session.
	Clear(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open creates the store for backend rooted at dir.
func Open(backend, dir string) (Store, error) {
	switch strings.ToLower(backend) {
	case "", BackendFile:
		return NewFileStore(dir)
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(dir, "sessions.db"))
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrEmptySession is returned by Put for an empty message list.
	// Callers must route empty results to Remove.
	ErrEmptySession = errors.New("refusing to persist a session without messages")

	// ErrInvalidID is returned for ids that are empty or unsafe as a key.
	ErrInvalidID = errors.New("invalid session id")
)

// StoreError records the operation and session that failed.
type StoreError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *StoreError) Error() string {
	if e.SessionID == "" {
		return "storage " + e.Op + ": " + e.Err.Error()
	}
	return "storage " + e.Op + " " + e.SessionID + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

func opError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, SessionID: id, Err: err}
}

// =============================================================================
// HELPERS
// =============================================================================

const maxIDLength = 128

// ValidateID rejects ids that could escape the storage directory or
// collide with temp files.
func ValidateID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return ErrInvalidID
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

// buildRecord produces the record to write for id. existing may be nil.
func buildRecord(existing *model.ChatSession, id string, msgs []model.Message, now time.Time) model.ChatSession {
	rec := model.ChatSession{
		ID:       id,
		Messages: model.CloneMessages(msgs),
	}
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
		rec.Title = existing.Title
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Title == "" {
		rec.Title = model.DeriveTitle(msgs)
	}
	return rec
}

// checkPut validates the arguments shared by every backend's Put.
func checkPut(ctx context.Context, id string, msgs []model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateID(id); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return ErrEmptySession
	}
	return model.ValidateMessages(msgs)
}

// stamp returns now in UTC without a monotonic reading, so times survive
// serialization unchanged.
func stamp(now func() time.Time) time.Time {
	return now().UTC().Round(0)
}
