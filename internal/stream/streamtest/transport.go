// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package streamtest provides a scripted stream.Transport for tests.
package streamtest

import (
	"context"
	"sync"

	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
	"github.com/patelvivekdev/ai-sdk-v5/internal/stream"
)

// Script describes one scripted response. Events are emitted first. When
// Release is non-nil the transport then waits for it (or cancellation)
// before emitting After. Err is returned at the end.
type Script struct {
	Events  []stream.Event
	Release <-chan struct{}
	After   []stream.Event
	Err     error
}

// Reply scripts a plain text answer followed by a stop finish.
func Reply(text string, tokens int, modelID string) Script {
	return Script{Events: []stream.Event{
		stream.TextDelta(text),
		stream.Finish(model.FinishStop, tokens, modelID),
	}}
}

// Transport replays scripts in order, one per request. Requests past the
// end of the script list get Reply("ok", 1, "").
type Transport struct {
	mu       sync.Mutex
	scripts  []Script
	requests []stream.Request
}

// New creates a transport that plays scripts in order.
func New(scripts ...Script) *Transport {
	return &Transport{scripts: scripts}
}

// Push appends more scripts.
func (t *Transport) Push(scripts ...Script) {
	t.mu.Lock()
	t.scripts = append(t.scripts, scripts...)
	t.mu.Unlock()
}

// Requests returns the requests received so far.
func (t *Transport) Requests() []stream.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]stream.Request(nil), t.requests...)
}

// Stream implements stream.Transport.
func (t *Transport) Stream(ctx context.Context, req stream.Request, emit stream.EmitFunc) error {
	t.mu.Lock()
	t.requests = append(t.requests, req)
	script := Reply("ok", 1, "")
	if len(t.scripts) > 0 {
		script = t.scripts[0]
		t.scripts = t.scripts[1:]
	}
	t.mu.Unlock()

	for _, ev := range script.Events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(ev); err != nil {
			return err
		}
	}

	if script.Release != nil {
		select {
		case <-script.Release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, ev := range script.After {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(ev); err != nil {
			return err
		}
	}
	return script.Err
}
