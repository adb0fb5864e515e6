// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patelvivekdev/ai-sdk-v5/internal/logging"
	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
	"github.com/patelvivekdev/ai-sdk-v5/internal/reconcile"
	"github.com/patelvivekdev/ai-sdk-v5/internal/storage"
	"github.com/patelvivekdev/ai-sdk-v5/internal/stream"
)

// ErrEmptyMessage is returned by Send when there is neither text nor a file.
var ErrEmptyMessage = errors.New("message has no text or attachments")

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds configuration for the session manager.
type Config struct {
	// Registry resolves toggles to models (default: model.Builtin)
	Registry *model.Registry

	// Policy is the regenerate policy (default: trailing turn)
	Policy reconcile.Policy

	// DefaultReasoning applies when a send does not name a level
	DefaultReasoning model.ReasoningLevel

	// MaxAttachmentBytes caps attachments below model.MaxAttachmentSize
	// (0 = model.MaxAttachmentSize)
	MaxAttachmentBytes int64

	// IdleTimeout evicts conversations from memory after inactivity
	// (0 = never). Evicted sessions are reloaded from the store on demand.
	IdleTimeout time.Duration
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		Registry:           model.Builtin,
		Policy:             reconcile.PolicyTrailingTurn,
		DefaultReasoning:   model.DefaultReasoningLevel,
		MaxAttachmentBytes: model.MaxAttachmentSize,
		IdleTimeout:        30 * time.Minute,
	}
}

// =============================================================================
// SESSION MANAGER
// =============================================================================

// entry is one open conversation.
type entry struct {
	conv         *stream.Coordinator
	lastActivity time.Time
}

// Manager owns one Coordinator per open session and routes user actions to
// the coordinator or the reconciliation engine.
type Manager struct {
	store      storage.Store
	transport  stream.Transport
	engine     *reconcile.Engine
	cfg        Config
	streamOpts []stream.Option
	now        func() time.Time

	mu    sync.Mutex
	convs map[string]*entry
}

// NewManager creates a manager. streamOpts are passed to every coordinator.
func NewManager(store storage.Store, transport stream.Transport, cfg Config, streamOpts ...stream.Option) *Manager {
	if cfg.Registry == nil {
		cfg.Registry = model.Builtin
	}
	if cfg.MaxAttachmentBytes <= 0 || cfg.MaxAttachmentBytes > model.MaxAttachmentSize {
		cfg.MaxAttachmentBytes = model.MaxAttachmentSize
	}
	cfg.DefaultReasoning = cfg.DefaultReasoning.OrDefault()

	return &Manager{
		store:     store,
		transport: transport,
		engine: reconcile.New(store,
			reconcile.WithPolicy(cfg.Policy),
			reconcile.WithRegistry(cfg.Registry)),
		cfg:        cfg,
		streamOpts: streamOpts,
		now:        time.Now,
		convs:      make(map[string]*entry),
	}
}

// Registry returns the model registry in use.
func (m *Manager) Registry() *model.Registry {
	return m.cfg.Registry
}

// NewSession returns a fresh session id. Nothing is persisted until the
// first turn completes.
func (m *Manager) NewSession() string {
	return model.NewSessionID()
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// Open returns the coordinator for id, loading its persisted history on
// first use. An unknown id opens an empty conversation.
func (m *Manager) Open(ctx context.Context, id string) (*stream.Coordinator, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if e, ok := m.convs[id]; ok {
		e.lastActivity = m.now()
		m.mu.Unlock()
		return e.conv, nil
	}
	m.mu.Unlock()

	var history []model.Message
	sess, err := m.store.Get(ctx, id)
	switch {
	case err == nil:
		history = sess.Messages
	case errors.Is(err, storage.ErrSessionNotFound):
	default:
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.convs[id]; ok {
		e.lastActivity = m.now()
		return e.conv, nil
	}
	conv := stream.New(id, history, m.store, m.transport, m.streamOpts...)
	m.convs[id] = &entry{conv: conv, lastActivity: m.now()}
	return conv, nil
}

// lookup returns an open coordinator without loading.
func (m *Manager) lookup(id string) (*stream.Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.convs[id]
	if !ok {
		return nil, false
	}
	e.lastActivity = m.now()
	return e.conv, true
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.convs, id)
	m.mu.Unlock()
}

// =============================================================================
// SEND & STOP
// =============================================================================

// Attachment is a file the user attached to a message.
type Attachment struct {
	Filename  string
	MediaType string // inferred from Filename when empty
	Data      []byte
}

// SendInput is one user submission with the toggles active at send time.
type SendInput struct {
	Text        string
	Attachments []Attachment
	Search      bool
	Reasoning   bool
	Level       model.ReasoningLevel
}

// BuildMessage validates input against opt and assembles the user message.
// File parts precede the text part.
func (m *Manager) BuildMessage(in SendInput, opt model.ModelOption) (model.Message, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && len(in.Attachments) == 0 {
		return model.Message{}, ErrEmptyMessage
	}
	if len(in.Attachments) > 0 && !opt.Vision {
		return model.Message{}, fmt.Errorf("%s: %w", opt.ID, model.ErrVisionUnsupported)
	}

	parts := make([]model.Part, 0, len(in.Attachments)+1)
	for _, a := range in.Attachments {
		if int64(len(a.Data)) > m.cfg.MaxAttachmentBytes {
			return model.Message{}, fmt.Errorf("%s (%d bytes): %w", a.Filename, len(a.Data), model.ErrAttachmentTooLarge)
		}
		part, err := model.NewFilePart(a.Filename, a.MediaType, a.Data)
		if err != nil {
			return model.Message{}, err
		}
		parts = append(parts, part)
	}
	if text != "" {
		parts = append(parts, model.TextPart(in.Text))
	}
	return model.NewMessage(model.RoleUser, parts...), nil
}

// Send resolves the model for the toggles, appends the user message and
// starts streaming the reply. ctx bounds the whole turn.
func (m *Manager) Send(ctx context.Context, id string, in SendInput) (model.Message, error) {
	opt := m.cfg.Registry.Resolve(in.Search, in.Reasoning)
	user, err := m.BuildMessage(in, opt)
	if err != nil {
		return model.Message{}, err
	}

	conv, err := m.Open(ctx, id)
	if err != nil {
		return model.Message{}, err
	}

	level := in.Level
	if level == "" {
		level = m.cfg.DefaultReasoning
	}
	cfg := stream.TurnConfig{Model: opt.ID, Search: opt.Search, ReasoningLevel: level}
	if err := conv.Submit(ctx, &user, cfg); err != nil {
		return model.Message{}, err
	}

	logging.Info("CHAT_SEND", "session", id, "model", opt.ID, "files", len(in.Attachments))
	return user, nil
}

// Stop cancels the in-flight response of session id.
func (m *Manager) Stop(ctx context.Context, id string) error {
	conv, ok := m.lookup(id)
	if !ok {
		return stream.ErrNotStarted
	}
	return conv.Stop(ctx)
}

// Wait blocks until session id has no request in flight.
func (m *Manager) Wait(ctx context.Context, id string) error {
	conv, ok := m.lookup(id)
	if !ok {
		return nil
	}
	return conv.Wait(ctx)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Regenerate discards the last response of session id and requests a new
// one with the same configuration.
func (m *Manager) Regenerate(ctx context.Context, id string) error {
	conv, err := m.Open(ctx, id)
	if err != nil {
		return err
	}
	return m.engine.Regenerate(ctx, conv, nil)
}

// DeleteMessage removes one message. redirect is true when the session was
// deleted as a result and the caller must navigate away.
func (m *Manager) DeleteMessage(ctx context.Context, id, messageID string) (redirect bool, err error) {
	conv, err := m.Open(ctx, id)
	if err != nil {
		return false, err
	}
	res, err := m.engine.DeleteMessage(ctx, conv, messageID)
	if err != nil {
		return false, err
	}
	if res.SessionRemoved {
		m.forget(id)
	}
	return res.SessionRemoved, nil
}

// DeleteSession removes a session and closes its conversation.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	var conv reconcile.Conversation
	if c, ok := m.lookup(id); ok {
		conv = c
	}
	if err := m.engine.DeleteSession(ctx, conv, id); err != nil {
		return err
	}
	m.forget(id)
	return nil
}

// RemoveAll deletes every session.
func (m *Manager) RemoveAll(ctx context.Context) error {
	m.mu.Lock()
	convs := make([]reconcile.Conversation, 0, len(m.convs))
	for _, e := range m.convs {
		convs = append(convs, e.conv)
	}
	m.mu.Unlock()

	if err := m.engine.RemoveAll(ctx, convs); err != nil {
		return err
	}

	m.mu.Lock()
	m.convs = make(map[string]*entry)
	m.mu.Unlock()
	return nil
}

// =============================================================================
// READ PATH
// =============================================================================

// List returns metadata of every persisted session, newest first.
func (m *Manager) List(ctx context.Context) ([]storage.SessionMeta, error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	storage.SortNewestFirst(sessions)
	return storage.Summaries(sessions), nil
}

// Search returns sessions matching query, newest first.
func (m *Manager) Search(ctx context.Context, query string) ([]storage.SessionMeta, error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	matches := storage.Search(sessions, query)
	storage.SortNewestFirst(matches)
	return storage.Summaries(matches), nil
}

// Session returns the persisted record of id.
func (m *Manager) Session(ctx context.Context, id string) (*model.ChatSession, error) {
	return m.store.Get(ctx, id)
}

// Snapshot returns the in-memory state of session id.
func (m *Manager) Snapshot(ctx context.Context, id string) (stream.Snapshot, error) {
	conv, err := m.Open(ctx, id)
	if err != nil {
		return stream.Snapshot{}, err
	}
	return conv.Snapshot(), nil
}

// Subscribe delivers in-memory snapshots of session id.
func (m *Manager) Subscribe(ctx context.Context, id string) (<-chan stream.Snapshot, func(), error) {
	conv, err := m.Open(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := conv.Subscribe()
	return ch, cancel, nil
}

// changeSource is implemented by stores that publish persisted changes.
type changeSource interface {
	Subscribe(sessionID string) (<-chan storage.Change, func())
}

// Watch delivers persisted changes of session id. ok is false when the
// store does not publish changes.
func (m *Manager) Watch(id string) (changes <-chan storage.Change, cancel func(), ok bool) {
	src, ok := m.store.(changeSource)
	if !ok {
		return nil, nil, false
	}
	changes, cancel = src.Subscribe(id)
	return changes, cancel, true
}

// =============================================================================
// IDLE EVICTION
// =============================================================================

// EvictIdle drops conversations that are idle past IdleTimeout and have
// nothing in flight. A conversation whose messages the store has not
// accepted is written through first and stays open when that fails, so
// nothing is lost. It returns the number evicted.
func (m *Manager) EvictIdle(ctx context.Context) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	now := m.now()

	m.mu.Lock()
	idle := make(map[string]*entry)
	for id, e := range m.convs {
		if now.Sub(e.lastActivity) >= m.cfg.IdleTimeout && !e.conv.Status().InFlight() {
			idle[id] = e
		}
	}
	m.mu.Unlock()

	for id, e := range idle {
		if !e.conv.Dirty() {
			continue
		}
		if err := e.conv.Flush(ctx); err != nil || e.conv.Dirty() {
			logging.Warn("SESSION_EVICT_SKIP", "session", id, "reason", "unsaved", "err", err)
			delete(idle, id)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, e := range idle {
		// Skip entries touched or replaced while flushing.
		if m.convs[id] != e || now.Sub(e.lastActivity) < m.cfg.IdleTimeout || e.conv.Status().InFlight() {
			continue
		}
		delete(m.convs, id)
		evicted++
	}
	if evicted > 0 {
		logging.Debug("SESSION_EVICT", "count", evicted)
	}
	return evicted
}

// Run evicts idle conversations until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	interval := m.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle(ctx)
		}
	}
}

// Close stops every in-flight response, persisting what arrived.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	convs := make([]*stream.Coordinator, 0, len(m.convs))
	for _, e := range m.convs {
		convs = append(convs, e.conv)
	}
	m.mu.Unlock()

	var errs []error
	for _, conv := range convs {
		if err := conv.Stop(ctx); err != nil && !errors.Is(err, stream.ErrNotStarted) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of open conversations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}
