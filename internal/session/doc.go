// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session routes user actions on chat sessions.
//
// The Manager keeps one stream.Coordinator per open session, loads history
// from the store on first use and hands regenerate and delete to the
// reconcile engine. Conversations idle past the configured timeout are
// dropped from memory; their history stays in the store.
//
// # Key Types
//
//   - Manager: Owns open conversations and the reconcile engine
//   - Config: Registry, regenerate policy and idle timeout
//   - SendInput: One user submission with its toggles and attachments
//
// # Usage
//
//	mgr := session.NewManager(store, transport, session.DefaultConfig())
//	go mgr.Run(ctx)
//
//	id := mgr.NewSession()
//	if _, err := mgr.Send(ctx, id, session.SendInput{Text: "Hi"}); err != nil {
//	    return err
//	}
//	mgr.Wait(ctx, id)
//
//	redirect, err := mgr.DeleteMessage(ctx, id, msgID)
package session
