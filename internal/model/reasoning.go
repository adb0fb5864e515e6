// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"strings"
)

// =============================================================================
// REASONING LEVELS
// =============================================================================

// ReasoningLevel selects how much thinking budget a reasoning model gets.
type ReasoningLevel string

const (
	ReasoningLow    ReasoningLevel = "low"
	ReasoningMedium ReasoningLevel = "medium"
	ReasoningHigh   ReasoningLevel = "high"
)

// DefaultReasoningLevel is used when a request omits the level.
const DefaultReasoningLevel = ReasoningMedium

// thinkingBudgets maps levels to upstream thinking token budgets.
var thinkingBudgets = map[ReasoningLevel]int32{
	ReasoningLow:    7000,
	ReasoningMedium: 15000,
	ReasoningHigh:   24576,
}

// IsValid reports whether l is a known level.
func (l ReasoningLevel) IsValid() bool {
	_, ok := thinkingBudgets[l]
	return ok
}

// OrDefault returns l, or DefaultReasoningLevel when l is empty.
func (l ReasoningLevel) OrDefault() ReasoningLevel {
	if l == "" {
		return DefaultReasoningLevel
	}
	return l
}

// ParseReasoningLevel parses a level name. The empty string yields the
// default level.
func ParseReasoningLevel(s string) (ReasoningLevel, error) {
	l := ReasoningLevel(strings.ToLower(strings.TrimSpace(s))).OrDefault()
	if !l.IsValid() {
		return "", fmt.Errorf("invalid reasoning level %q, must be one of: low, medium, high", s)
	}
	return l, nil
}

// ThinkingBudget returns the token budget for l. Unknown levels get the
// default level's budget.
func ThinkingBudget(l ReasoningLevel) int32 {
	if b, ok := thinkingBudgets[l]; ok {
		return b
	}
	return thinkingBudgets[DefaultReasoningLevel]
}

// ThinkingBudgetFor returns the budget to request for modelID: the level's
// budget for reasoning models and zero for everything else.
func (r *Registry) ThinkingBudgetFor(modelID string, l ReasoningLevel) int32 {
	opt, ok := r.ByID(modelID)
	if !ok || !opt.Reasoning {
		return 0
	}
	return ThinkingBudget(l)
}

// =============================================================================
// UPSTREAM MODEL NAMES
// =============================================================================

const (
	upstreamFlash20 = "gemini-2.0-flash"
	upstreamFlash25 = "gemini-2.5-flash-preview-04-17"
	upstreamPro25   = "gemini-2.5-pro-exp-03-25"
)

// upstreamModels maps selectable ids to the provider's model names.
var upstreamModels = map[string]string{
	"gemini-2.0-flash":                 upstreamFlash20,
	"gemini-2.0-search":                upstreamFlash20,
	"gemini-2.5-flash":                 upstreamFlash25,
	"gemini-2.5-search":                upstreamFlash25,
	"gemini-2.5-thinking":              upstreamFlash25,
	"gemini-2.5-flash-thinking":        upstreamFlash25,
	"gemini-2.5-flash-search-thinking": upstreamFlash25,
	"gemini-2.5-pro":                   upstreamPro25,
	"gemini-2.5-pro-thinking":          upstreamPro25,
	"gemini-2.5-pro-search-thinking":   upstreamPro25,
}

// UpstreamModel returns the provider model name for a selectable id.
func UpstreamModel(id string) (string, bool) {
	name, ok := upstreamModels[id]
	return name, ok
}
