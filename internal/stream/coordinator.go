// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patelvivekdev/ai-sdk-v5/internal/logging"
	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
	"github.com/patelvivekdev/ai-sdk-v5/internal/storage"
)

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is the observable state of a coordinator at one point in time.
type Snapshot struct {
	SessionID string
	Status    Status
	Messages  []model.Message
	Err       error
}

// =============================================================================
// OPTIONS
// =============================================================================

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// =============================================================================
// COORDINATOR
// =============================================================================

// turn is one submitted request.
type turn struct {
	cancel      context.CancelFunc
	done        chan struct{}
	assistantID string
	cfg         TurnConfig
	stats       *model.Statistics

	finished   bool // finish event applied
	finalizing bool // no more events accepted
	remoteErr  error
}

// Coordinator drives the request lifecycle of one conversation and owns
// its in-memory message list.
//
// Messages added in memory since the last successful write are tracked as
// unsaved. Each write-through re-reads the persisted session and appends the
// unsaved messages that are not already there, so concurrent writers lose
// nothing and nothing is duplicated.
type Coordinator struct {
	sessionID string
	store     storage.Store
	transport Transport
	now       func() time.Time

	// writeMu serializes write-throughs.
	writeMu sync.Mutex

	mu       sync.Mutex
	status   Status
	messages []model.Message
	unsaved  map[string]bool
	removed  map[string]bool // dropped in memory, maybe still persisted
	err      error
	turn     *turn
	lastCfg  *TurnConfig
	stats    *model.Statistics

	nextSub int
	subs    map[int]chan Snapshot
}

// New creates a coordinator for sessionID starting from history, which is
// treated as already persisted.
func New(sessionID string, history []model.Message, store storage.Store, transport Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		sessionID: sessionID,
		store:     store,
		transport: transport,
		now:       time.Now,
		status:    StatusIdle,
		messages:  model.CloneMessages(history),
		unsaved:   make(map[string]bool),
		removed:   make(map[string]bool),
		subs:      make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// ACCESSORS
// =============================================================================

// SessionID returns the session this coordinator drives.
func (c *Coordinator) SessionID() string {
	return c.sessionID
}

// Status returns the current lifecycle state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Messages returns a copy of the in-memory message list.
func (c *Coordinator) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.CloneMessages(c.messages)
}

// Err returns the failure of the last turn: a transport or remote error
// when the status is error, or a persistence error when the status is ready.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Snapshot returns the current observable state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// LastConfig returns the configuration of the most recent submission.
func (c *Coordinator) LastConfig() (TurnConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastCfg == nil {
		return TurnConfig{}, false
	}
	return *c.lastCfg, true
}

// Statistics returns timing of the most recent turn, or nil.
func (c *Coordinator) Statistics() *model.Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stats == nil {
		return nil
	}
	s := *c.stats
	return &s
}

// CanRegenerate reports whether no request is in flight and there is
// something to regenerate.
func (c *Coordinator) CanRegenerate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.status.InFlight() && len(c.messages) > 0
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit appends user (when non-nil) and a provisional assistant message,
// then streams the response in the background. ctx bounds the whole turn.
func (c *Coordinator) Submit(ctx context.Context, user *model.Message, cfg TurnConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.InFlight() {
		return ErrBusy
	}
	if user != nil {
		if model.Contains(c.messages, user.ID) {
			return fmt.Errorf("message %s already in session", user.ID)
		}
		c.messages = append(c.messages, user.Clone())
		c.unsaved[user.ID] = true
	}
	if len(c.messages) == 0 {
		return ErrNoMessages
	}

	req := cfg.Request(model.CloneMessages(c.messages))

	asst := model.NewAssistantMessage()
	c.messages = append(c.messages, asst)
	c.unsaved[asst.ID] = true

	turnCtx, cancel := context.WithCancel(ctx)
	t := &turn{
		cancel:      cancel,
		done:        make(chan struct{}),
		assistantID: asst.ID,
		cfg:         cfg,
		stats:       model.NewStatistics(c.now()),
	}
	c.turn = t
	c.stats = t.stats
	c.lastCfg = &cfg
	c.status = StatusSubmitted
	c.err = nil
	c.publishLocked()

	logging.Debug("STREAM_SUBMIT", "session", c.sessionID, "model", cfg.Model, "messages", len(req.Messages))
	go c.run(turnCtx, t, req)
	return nil
}

// Resubmit streams a new response for the current history without adding
// a user message.
func (c *Coordinator) Resubmit(ctx context.Context, cfg TurnConfig) error {
	return c.Submit(ctx, nil, cfg)
}

// run performs the request and finalizes the turn.
func (c *Coordinator) run(ctx context.Context, t *turn, req Request) {
	defer t.cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("transport panic: %v", r)
			}
		}()
		return c.transport.Stream(ctx, req, func(ev Event) error {
			return c.apply(t, ev)
		})
	}()

	c.complete(context.WithoutCancel(ctx), t, err)
}

// =============================================================================
// EVENT ASSEMBLY
// =============================================================================

// apply folds one event into the provisional assistant message.
func (c *Coordinator) apply(t *turn, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.turn != t || t.finalizing || t.finished {
		return errTurnClosed
	}
	idx := model.IndexOf(c.messages, t.assistantID)
	if idx < 0 {
		return errTurnClosed
	}

	now := c.now()
	t.stats.RecordFirstEvent(now)
	if c.status == StatusSubmitted {
		c.status = StatusStreaming
	}

	asst := &c.messages[idx]
	switch ev.Type {
	case EventTextDelta:
		asst.AppendText(ev.Text)
	case EventReasoningDelta:
		asst.AppendReasoning(ev.Text)
	case EventSource:
		asst.AddPart(model.SourcePart(ev.ID, ev.URL, ev.Title))
	case EventFile:
		asst.AddPart(model.FileRefPart(ev.Filename, ev.MediaType, ev.URL))
	case EventFinish:
		t.stats.Finalize(now)
		md := model.ResponseMetadata{
			CreatedAt:    now.UTC(),
			Model:        ev.Model,
			TotalTokens:  ev.TotalTokens,
			FinishReason: ev.FinishReason,
			Duration:     t.stats.Seconds(),
		}
		if md.Model == "" {
			md.Model = t.cfg.Model
		}
		if md.FinishReason == "" {
			md.FinishReason = model.FinishUnknown
		}
		if err := asst.SetMetadata(md); err != nil {
			return err
		}
		t.finished = true
		c.publishLocked()
		return errTurnClosed
	case EventError:
		t.remoteErr = &RemoteError{Message: ev.Error}
		return t.remoteErr
	default:
		logging.Debug("STREAM_SKIP", "session", c.sessionID, "type", ev.Type)
		return nil
	}

	c.publishLocked()
	return nil
}

// =============================================================================
// FINALIZATION
// =============================================================================

// complete ends a turn after its transport returned, unless Stop or Reset
// already did.
func (c *Coordinator) complete(ctx context.Context, t *turn, streamErr error) {
	c.mu.Lock()
	if c.turn != t || t.finalizing {
		c.mu.Unlock()
		return
	}
	t.finalizing = true

	if t.finished {
		c.mu.Unlock()
		c.endTurn(t, StatusReady, c.writeThrough(ctx))
		return
	}

	err := streamErr
	switch {
	case t.remoteErr != nil:
		err = t.remoteErr
	case err == nil:
		err = ErrIncompleteStream
	}
	// The partial reply stays visible but is never written.
	delete(c.unsaved, t.assistantID)
	c.mu.Unlock()

	logging.Warn("STREAM_ERROR", "session", c.sessionID, "err", err)
	c.endTurn(t, StatusError, err)
}

// Stop cancels the in-flight request. The assistant message keeps the parts
// received so far, gets no metadata, and is written through; an empty one
// is dropped. Stop returns once the turn is finalized.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	t := c.turn
	if t == nil {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if t.finalizing {
		c.mu.Unlock()
		return c.waitTurn(ctx, t)
	}
	t.finalizing = true
	t.cancel()

	if idx := model.IndexOf(c.messages, t.assistantID); idx >= 0 && c.messages[idx].IsEmpty() {
		c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
		delete(c.unsaved, t.assistantID)
	}
	t.stats.Finalize(c.now())
	c.mu.Unlock()

	logging.Debug("STREAM_STOP", "session", c.sessionID)
	c.endTurn(t, StatusReady, c.writeThrough(ctx))
	return nil
}

// endTurn records the terminal state and releases waiters.
func (c *Coordinator) endTurn(t *turn, status Status, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.turn != t {
		return
	}
	c.turn = nil
	c.status = status
	c.err = err
	close(t.done)
	c.publishLocked()

	if status == StatusReady && err == nil && t.finished {
		logging.Debug("STREAM_FINISH", "session", c.sessionID, "ttft", t.stats.TTFT, "duration", t.stats.TotalDuration)
	}
}

// Wait blocks until the in-flight turn, if any, is finalized.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	t := c.turn
	c.mu.Unlock()
	if t == nil {
		return nil
	}
	return c.waitTurn(ctx, t)
}

func (c *Coordinator) waitTurn(ctx context.Context, t *turn) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// pendingLocked returns clones of the unsaved messages in memory order.
// Empty assistant messages are never written.
func (c *Coordinator) pendingLocked() []model.Message {
	var pending []model.Message
	for _, m := range c.messages {
		if !c.unsaved[m.ID] {
			continue
		}
		if m.Role == model.RoleAssistant && m.IsEmpty() {
			continue
		}
		pending = append(pending, m.Clone())
	}
	return pending
}

// mergeUnsaved drops removed ids from persisted and appends the pending
// messages it does not already hold. The second result reports whether the
// merge differs from persisted.
func mergeUnsaved(persisted, pending []model.Message, removed map[string]bool) ([]model.Message, bool) {
	merged := make([]model.Message, 0, len(persisted)+len(pending))
	changed := false
	for _, m := range persisted {
		if removed[m.ID] {
			changed = true
			continue
		}
		merged = append(merged, m.Clone())
	}
	for _, m := range pending {
		if model.Contains(merged, m.ID) {
			continue
		}
		merged = append(merged, m.Clone())
		changed = true
	}
	return merged, changed
}

// removedLocked copies the tombstone set.
func (c *Coordinator) removedLocked() map[string]bool {
	out := make(map[string]bool, len(c.removed))
	for id := range c.removed {
		out[id] = true
	}
	return out
}

// readPersisted returns the persisted messages; a missing session is empty.
func (c *Coordinator) readPersisted(ctx context.Context) ([]model.Message, error) {
	sess, err := c.store.Get(ctx, c.sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess.Messages, nil
}

// writeThrough persists the unsaved messages on top of the latest stored
// history and adopts the merged list in memory. On failure memory is kept
// and the messages stay unsaved for the next write.
func (c *Coordinator) writeThrough(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	pending := c.pendingLocked()
	removed := c.removedLocked()
	c.mu.Unlock()
	if len(pending) == 0 && len(removed) == 0 {
		return nil
	}

	persisted, err := c.readPersisted(ctx)
	if err != nil {
		logging.Error("PERSIST_FAIL", "session", c.sessionID, "op", "read", "err", err)
		return err
	}

	merged, changed := mergeUnsaved(persisted, pending, removed)
	switch {
	case !changed:
	case len(merged) == 0:
		err = c.store.Remove(ctx, c.sessionID)
	default:
		_, err = c.store.Put(ctx, c.sessionID, merged)
	}
	if err != nil {
		logging.Error("PERSIST_FAIL", "session", c.sessionID, "op", "write", "err", err)
		return err
	}

	c.mu.Lock()
	c.messages = merged
	for _, m := range pending {
		delete(c.unsaved, m.ID)
	}
	for id := range removed {
		delete(c.removed, id)
	}
	// Empty provisional messages were not written and are gone from memory.
	for id := range c.unsaved {
		if !model.Contains(merged, id) {
			delete(c.unsaved, id)
		}
	}
	c.mu.Unlock()
	return nil
}

// Dirty reports whether memory holds messages or deletions the store has
// not accepted yet.
func (c *Coordinator) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingLocked()) > 0 || len(c.removed) > 0
}

// Flush writes through any unsaved state. It is a no-op while a request is
// in flight, since the turn writes through when it ends.
func (c *Coordinator) Flush(ctx context.Context) error {
	if c.Status().InFlight() {
		return nil
	}
	return c.writeThrough(ctx)
}

// History returns the persisted history merged with the unsaved messages,
// without writing anything.
func (c *Coordinator) History(ctx context.Context) ([]model.Message, error) {
	persisted, err := c.readPersisted(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	pending := c.pendingLocked()
	removed := c.removedLocked()
	c.mu.Unlock()

	merged, _ := mergeUnsaved(persisted, pending, removed)
	return merged, nil
}

// =============================================================================
// RECONCILIATION HOOKS
// =============================================================================

// Replace sets the in-memory message list. Messages that were unsaved and
// are still present stay unsaved, and dropped messages stay excluded from
// later writes, until MarkSaved.
func (c *Coordinator) Replace(msgs []model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.InFlight() {
		return ErrBusy
	}
	for _, m := range c.messages {
		if !model.Contains(msgs, m.ID) {
			c.removed[m.ID] = true
		}
	}
	c.messages = model.CloneMessages(msgs)
	for _, m := range c.messages {
		delete(c.removed, m.ID)
	}
	for id := range c.unsaved {
		if !model.Contains(c.messages, id) {
			delete(c.unsaved, id)
		}
	}
	c.publishLocked()
	return nil
}

// MarkSaved records that the in-memory list matches the store.
func (c *Coordinator) MarkSaved() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsaved = make(map[string]bool)
	c.removed = make(map[string]bool)
}

// Reset cancels any in-flight request and empties the conversation. It is
// used after the session was deleted. A write-through already in progress
// completes first; later ones find nothing to write.
func (c *Coordinator) Reset() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if t := c.turn; t != nil {
		t.finalizing = true
		t.cancel()
		close(t.done)
		c.turn = nil
	}
	c.messages = nil
	c.unsaved = make(map[string]bool)
	c.removed = make(map[string]bool)
	c.status = StatusIdle
	c.err = nil
	c.publishLocked()
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe returns a channel carrying the latest snapshot after every state
// change. Slow readers skip intermediate snapshots but always see the most
// recent one. The current state is delivered immediately.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan Snapshot, 1)
	ch <- c.snapshotLocked()
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			close(ch)
			c.mu.Unlock()
		})
	}
}

func (c *Coordinator) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID: c.sessionID,
		Status:    c.status,
		Messages:  model.CloneMessages(c.messages),
		Err:       c.err,
	}
}

// publishLocked replaces any undelivered snapshot with the current one.
func (c *Coordinator) publishLocked() {
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
