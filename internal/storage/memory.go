// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
)

// MemoryStore is a process-local Store. Records are deep-copied on the way
// in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]model.ChatSession
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]model.ChatSession),
		now:      time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.ChatSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateID(id); err != nil {
		return nil, opError("get", id, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, opError("get", id, ErrSessionNotFound)
	}
	out := sess.Clone()
	return &out, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]model.ChatSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ChatSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, id string, msgs []model.Message) (*model.ChatSession, error) {
	if err := checkPut(ctx, id, msgs); err != nil {
		return nil, opError("put", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *model.ChatSession
	if sess, ok := s.sessions[id]; ok {
		existing = &sess
	}
	rec := buildRecord(existing, id, msgs, stamp(s.now))
	s.sessions[id] = rec

	out := rec.Clone()
	return &out, nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateID(id); err != nil {
		return opError("remove", id, err)
	}
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions = make(map[string]model.ChatSession)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
