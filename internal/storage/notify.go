// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"sync"

	"github.com/patelvivekdev/ai-sdk-v5/internal/logging"
	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
)

// =============================================================================
// CHANGE EVENTS
// =============================================================================

// ChangeKind identifies what happened to the persisted state.
type ChangeKind int

const (
	ChangePut ChangeKind = iota
	ChangeRemove
	ChangeClear
)

// String returns the string representation of the kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangePut:
		return "put"
	case ChangeRemove:
		return "remove"
	case ChangeClear:
		return "clear"
	default:
		return "unknown"
	}
}

// Change is delivered to subscribers after a write succeeds. Session is the
// new record for ChangePut and nil otherwise.
type Change struct {
	Kind      ChangeKind
	SessionID string
	Session   *model.ChatSession
}

// =============================================================================
// NOTIFIER
// =============================================================================

// subscriberBuffer is the per-subscriber queue length. A subscriber that
// falls further behind misses changes; it can always re-read the store.
const subscriberBuffer = 16

type subscriber struct {
	sessionID string // empty: all sessions
	ch        chan Change
}

// Notifier fans out store changes to subscribers. Publish never blocks.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

// NewNotifier creates a notifier with no subscribers.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]*subscriber)}
}

// Subscribe delivers changes for one session, plus ChangeClear. The
// returned cancel func closes the channel and is safe to call twice.
func (n *Notifier) Subscribe(sessionID string) (<-chan Change, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	sub := &subscriber{sessionID: sessionID, ch: make(chan Change, subscriberBuffer)}
	n.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			close(sub.ch)
			n.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// SubscribeAll delivers every change.
func (n *Notifier) SubscribeAll() (<-chan Change, func()) {
	return n.Subscribe("")
}

// Publish delivers c to every interested subscriber without blocking.
func (n *Notifier) Publish(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, sub := range n.subs {
		if sub.sessionID != "" && c.Kind != ChangeClear && sub.sessionID != c.SessionID {
			continue
		}
		out := c
		if c.Session != nil {
			sess := c.Session.Clone()
			out.Session = &sess
		}
		select {
		case sub.ch <- out:
		default:
			logging.Debug("NOTIFY_DROP", "session", c.SessionID, "kind", c.Kind)
		}
	}
}

// Len returns the number of active subscribers.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// =============================================================================
// OBSERVED STORE
// =============================================================================

// ObservedStore wraps a Store and publishes a Change after every
// successful write.
type ObservedStore struct {
	Store
	*Notifier
}

// Observe wraps store with a fresh notifier.
func Observe(store Store) *ObservedStore {
	return &ObservedStore{Store: store, Notifier: NewNotifier()}
}

func (s *ObservedStore) Put(ctx context.Context, id string, msgs []model.Message) (*model.ChatSession, error) {
	sess, err := s.Store.Put(ctx, id, msgs)
	if err != nil {
		return nil, err
	}
	s.Publish(Change{Kind: ChangePut, SessionID: id, Session: sess})
	return sess, nil
}

func (s *ObservedStore) Remove(ctx context.Context, id string) error {
	if err := s.Store.Remove(ctx, id); err != nil {
		return err
	}
	s.Publish(Change{Kind: ChangeRemove, SessionID: id})
	return nil
}

func (s *ObservedStore) Clear(ctx context.Context) error {
	if err := s.Store.Clear(ctx); err != nil {
		return err
	}
	s.Publish(Change{Kind: ChangeClear})
	return nil
}
