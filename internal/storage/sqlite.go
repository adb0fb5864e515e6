// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/patelvivekdev/ai-sdk-v5/internal/model"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SCHEMA
// =============================================================================

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	messages   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
`

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLiteStore keeps sessions in a single SQLite database. Messages are
// stored as a JSON column so a Put is a single-row write.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" gives
// a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, opError("open", "", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(sessionsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path, now: time.Now}, nil
}

// Path returns the database location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.ChatSession, error) {
	var (
		sess     model.ChatSession
		created  int64
		messages string
	)
	if err := row.Scan(&sess.ID, &sess.Title, &created, &messages); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(messages), &sess.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	sess.CreatedAt = time.Unix(0, created).UTC()
	return &sess, nil
}

// Get retrieves a session by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.ChatSession, error) {
	if err := ValidateID(id); err != nil {
		return nil, opError("get", id, err)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, messages FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, opError("get", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, opError("get", id, err)
	}
	return sess, nil
}

// List returns every session.
func (s *SQLiteStore) List(ctx context.Context) ([]model.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, messages FROM sessions`)
	if err != nil {
		return nil, opError("list", "", err)
	}
	defer rows.Close()

	sessions := []model.ChatSession{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, opError("list", "", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, opError("list", "", err)
	}
	return sessions, nil
}

// =============================================================================
// WRITE OPERATIONS
// =============================================================================

// Put upserts the session in one transaction so CreatedAt is read and
// written atomically.
func (s *SQLiteStore) Put(ctx context.Context, id string, msgs []model.Message) (*model.ChatSession, error) {
	if err := checkPut(ctx, id, msgs); err != nil {
		return nil, opError("put", id, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, opError("put", id, err)
	}
	defer tx.Rollback()

	var existing *model.ChatSession
	var (
		title   string
		created int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT title, created_at FROM sessions WHERE id = ?`, id).Scan(&title, &created)
	switch {
	case err == nil:
		existing = &model.ChatSession{ID: id, Title: title, CreatedAt: time.Unix(0, created).UTC()}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, opError("put", id, err)
	}

	now := stamp(s.now)
	rec := buildRecord(existing, id, msgs, now)
	data, err := json.Marshal(rec.Messages)
	if err != nil {
		return nil, opError("put", id, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, title, created_at, updated_at, messages)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			messages = excluded.messages
	`, rec.ID, rec.Title, rec.CreatedAt.UnixNano(), now.UnixNano(), string(data))
	if err != nil {
		return nil, opError("put", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, opError("put", id, err)
	}
	return &rec, nil
}

// Remove deletes a session row. Missing rows are ignored.
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return opError("remove", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return opError("remove", id, err)
	}
	return nil
}

// Clear deletes every row.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return opError("clear", "", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
