// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/patelvivekdev/ai-sdk-v5/internal/logging"
)

// DefaultDebounce is the quiet period before a changed file is re-read.
const DefaultDebounce = 150 * time.Millisecond

// =============================================================================
// DIRECTORY WATCHER
// =============================================================================

// Watcher publishes changes made to a FileStore's directory by other
// processes. Changes made through an ObservedStore in this process are
// published a second time; subscribers treat changes as "re-read" hints.
type Watcher struct {
	store    *FileStore
	notifier *Notifier
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]time.Time // session id -> last change time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for store that publishes to notifier.
func NewWatcher(store *FileStore, notifier *Notifier, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		store:    store,
		notifier: notifier,
		watcher:  fsw,
		debounce: debounce,
		pending:  make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins watching the store directory.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.store.BaseDir); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.processEvents()
	go w.processPending()

	logging.Info("WATCH_START", "dir", w.store.BaseDir, "debounce", w.debounce)
	return nil
}

// Close stops watching and waits for the goroutines to exit.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// processEvents records changed session files.
func (w *Watcher) processEvents() {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.Error("WATCH_PANIC", "recovered", r)
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			id, isSession := sessionIDFromName(filepath.Base(event.Name))
			if !isSession {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending[id] = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("WATCH_ERROR", "err", err)
		}
	}
}

// processPending publishes changes whose files have been quiet for the
// debounce period. The file is re-read so the change reflects its final
// state: a missing file becomes ChangeRemove.
func (w *Watcher) processPending() {
	defer w.wg.Done()

	tick := w.debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()

			w.mu.Lock()
			var ready []string
			for id, changed := range w.pending {
				if now.Sub(changed) >= w.debounce {
					ready = append(ready, id)
					delete(w.pending, id)
				}
			}
			w.mu.Unlock()

			for _, id := range ready {
				w.publish(id)
			}
		}
	}
}

func (w *Watcher) publish(id string) {
	sess, err := w.store.Get(w.ctx, id)
	switch {
	case err == nil:
		w.notifier.Publish(Change{Kind: ChangePut, SessionID: id, Session: sess})
	case errors.Is(err, ErrSessionNotFound):
		w.notifier.Publish(Change{Kind: ChangeRemove, SessionID: id})
	case errors.Is(err, context.Canceled):
	default:
		// Partially written by a non-atomic writer; the next event retries.
		logging.Debug("WATCH_READ", "id", id, "err", err)
	}
}
