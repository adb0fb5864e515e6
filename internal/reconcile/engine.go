// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package reconcile

import (
	"context"
	"fmt"

	"github.com/patelvivekdev/ai-sdk-v5/internal/logging"
	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
	"github.com/patelvivekdev/ai-sdk-v5/internal/storage"
	"github.com/patelvivekdev/ai-sdk-v5/internal/stream"
)

// Conversation is the in-memory side of a session that the engine keeps in
// agreement with the store. *stream.Coordinator implements it.
type Conversation interface {
	SessionID() string
	Status() stream.Status
	Messages() []model.Message
	History(ctx context.Context) ([]model.Message, error)
	Replace(msgs []model.Message) error
	MarkSaved()
	Reset()
	Resubmit(ctx context.Context, cfg stream.TurnConfig) error
	LastConfig() (stream.TurnConfig, bool)
}

var _ Conversation = (*stream.Coordinator)(nil)

// DeleteResult describes the outcome of DeleteMessage.
type DeleteResult struct {
	// SessionRemoved is set when the cascade deleted the whole session;
	// the caller must navigate away from it.
	SessionRemoved bool

	// Messages is the remaining history when the session survived.
	Messages []model.Message
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine implements regenerate and delete against a Store.
type Engine struct {
	store    storage.Store
	policy   Policy
	registry *model.Registry
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the regenerate policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithRegistry sets the registry used to recover a turn's configuration
// from message metadata.
func WithRegistry(r *model.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// New creates an engine over store.
func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		policy:   PolicyTrailingTurn,
		registry: model.Builtin,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the configured regenerate policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// =============================================================================
// REGENERATE
// =============================================================================

// Regenerate discards assistant output according to the policy, persists
// the reduced history and resubmits. cfg overrides the configuration; nil
// reuses the last one sent (see ResolveConfig). When the write fails the
// reduced list stays in memory and nothing is resubmitted.
func (e *Engine) Regenerate(ctx context.Context, conv Conversation, cfg *stream.TurnConfig) error {
	if conv.Status().InFlight() {
		return stream.ErrBusy
	}

	history, err := conv.History(ctx)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	reduced, err := ApplyPolicy(history, e.policy)
	if err != nil {
		return err
	}
	turnCfg := e.ResolveConfig(conv, history, cfg)

	if err := conv.Replace(reduced); err != nil {
		return err
	}
	if _, err := e.store.Put(ctx, conv.SessionID(), reduced); err != nil {
		logging.Error("REGENERATE_PERSIST_FAIL", "session", conv.SessionID(), "err", err)
		return fmt.Errorf("persist reduced history: %w", err)
	}
	conv.MarkSaved()

	logging.Info("REGENERATE", "session", conv.SessionID(), "policy", e.policy,
		"removed", len(history)-len(reduced), "model", turnCfg.Model)
	return conv.Resubmit(ctx, turnCfg)
}

// ResolveConfig picks the configuration for a regenerate: the explicit one,
// else the last one this conversation sent, else the one recorded in the
// newest assistant metadata, else the registry default.
func (e *Engine) ResolveConfig(conv Conversation, history []model.Message, cfg *stream.TurnConfig) stream.TurnConfig {
	if cfg != nil {
		return *cfg
	}
	if last, ok := conv.LastConfig(); ok {
		return last
	}
	for i := len(history) - 1; i >= 0; i-- {
		md := history[i].Metadata
		if history[i].Role != model.RoleAssistant || md == nil {
			continue
		}
		if opt, ok := e.registry.ByID(md.Model); ok {
			return stream.TurnConfig{Model: opt.ID, Search: opt.Search, ReasoningLevel: model.DefaultReasoningLevel}
		}
		break
	}
	def := e.registry.Default()
	return stream.TurnConfig{Model: def.ID, ReasoningLevel: model.DefaultReasoningLevel}
}

// =============================================================================
// DELETE
// =============================================================================

// DeleteMessage removes one message. When the rest is empty or a lone
// assistant reply the whole session is removed instead.
func (e *Engine) DeleteMessage(ctx context.Context, conv Conversation, messageID string) (DeleteResult, error) {
	if conv.Status().InFlight() {
		return DeleteResult{}, stream.ErrBusy
	}

	history, err := conv.History(ctx)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("read history: %w", err)
	}
	reduced, ok := model.RemoveByID(history, messageID)
	if !ok {
		return dropUnpersisted(conv, messageID)
	}

	if ShouldRemoveSession(reduced) {
		if err := e.DeleteSession(ctx, conv, conv.SessionID()); err != nil {
			return DeleteResult{}, err
		}
		logging.Info("SESSION_CASCADE_DELETE", "session", conv.SessionID(), "message", messageID)
		return DeleteResult{SessionRemoved: true}, nil
	}

	if err := conv.Replace(reduced); err != nil {
		return DeleteResult{}, err
	}
	if _, err := e.store.Put(ctx, conv.SessionID(), reduced); err != nil {
		logging.Error("DELETE_PERSIST_FAIL", "session", conv.SessionID(), "message", messageID, "err", err)
		return DeleteResult{Messages: reduced}, fmt.Errorf("persist history: %w", err)
	}
	conv.MarkSaved()
	return DeleteResult{Messages: reduced}, nil
}

// dropUnpersisted removes a message that only exists in memory, such as the
// partial reply of a failed turn. The store is not touched.
func dropUnpersisted(conv Conversation, messageID string) (DeleteResult, error) {
	rest, ok := model.RemoveByID(conv.Messages(), messageID)
	if !ok {
		return DeleteResult{}, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if err := conv.Replace(rest); err != nil {
		return DeleteResult{}, err
	}
	return DeleteResult{Messages: rest}, nil
}

// DeleteSession removes a session. conv may be nil when the session is not
// open; otherwise it is reset first so nothing writes the session back.
func (e *Engine) DeleteSession(ctx context.Context, conv Conversation, sessionID string) error {
	if conv != nil {
		conv.Reset()
	}
	if err := e.store.Remove(ctx, sessionID); err != nil {
		logging.Error("SESSION_DELETE_FAIL", "session", sessionID, "err", err)
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// RemoveAll resets every open conversation and clears the store.
func (e *Engine) RemoveAll(ctx context.Context, convs []Conversation) error {
	for _, conv := range convs {
		conv.Reset()
	}
	if err := e.store.Clear(ctx); err != nil {
		logging.Error("SESSION_CLEAR_FAIL", "err", err)
		return fmt.Errorf("clear sessions: %w", err)
	}
	return nil
}
