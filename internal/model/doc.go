// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and messages,
// and the static model capability registry.
//
// # Key Types
//
//   - ChatSession: persisted thread with ordered messages and creation time
//   - Message: one entry with a role, ordered parts and optional metadata
//   - Part: tagged union of text, reasoning, file and source fragments
//   - ResponseMetadata: completion data attached when a stream finishes
//   - Registry: ordered ModelOption table with Resolve and ByID lookups
//   - ReasoningLevel: low/medium/high thinking depth
//
// # Usage
//
// Pick the model for the current toggles:
//
//	opt := model.Resolve(searchOn, reasoningOn)
//	if len(files) > 0 && !opt.Vision {
//	    return model.ErrVisionUnsupported
//	}
//
// Build a user message with an attachment:
//
//	file, err := model.NewFilePart("chart.png", "", data)
//	msg := model.NewMessage(model.RoleUser, model.TextPart("Explain"), file)
package model
