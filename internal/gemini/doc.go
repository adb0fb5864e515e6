// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gemini streams chat turns from Google Gemini.
//
// Generator implements stream.Transport on the google.golang.org/genai SDK.
// The selectable model id is mapped to the provider's model name, system
// messages become the system instruction, assistant messages are sent with
// the "model" role, and data-URI attachments are sent inline as blobs.
// Provider safety blocking is disabled.
//
// Reasoning models are sent the thinking budget of the requested level and
// their thoughts stream back as reasoning deltas. Search models and the
// search toggle attach the Google Search tool, and grounding citations
// arrive as source events.
//
// # Key Types
//
//   - Generator: stream.Transport backed by the genai Models service
//
// # Usage
//
//	gen, err := gemini.New(ctx, apiKey, model.Builtin)
//	if err != nil {
//	    return err
//	}
//	defer gen.Close()
package gemini
