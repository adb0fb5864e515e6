// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream implements the per-conversation request lifecycle.
//
// A Coordinator moves through idle, submitted, streaming and then ready or
// error. Inbound events are folded into a provisional assistant message in
// arrival order: text deltas extend the trailing text part, reasoning deltas
// add segments, sources and files become parts of their own. A finish event
// attaches ResponseMetadata and writes the turn through to the store.
//
// # Key Types
//
//   - Coordinator: state machine and in-memory message list for one session
//   - Event: inbound event vocabulary (text-delta, reasoning-delta, source,
//     file, finish, error)
//   - Request: outbound inference request
//   - Transport: performs a request and delivers events
//   - Snapshot: observable state delivered to subscribers
//
// # Usage
//
//	c := stream.New(sessionID, history, store, transport)
//	user := model.NewUserMessage("Hello")
//	err := c.Submit(ctx, &user, stream.TurnConfig{Model: opt.ID})
//
//	updates, cancel := c.Subscribe()
//	defer cancel()
//	for snap := range updates {
//	    render(snap.Messages)
//	    if !snap.Status.InFlight() {
//	        break
//	    }
//	}
package stream
