// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package reconcile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
)

var (
	// ErrNothingToRegenerate is returned when the history holds no user
	// message to answer again.
	ErrNothingToRegenerate = errors.New("nothing to regenerate")

	// ErrMessageNotFound is returned when deleting an unknown message.
	ErrMessageNotFound = errors.New("message not found")
)

// Policy selects which assistant messages Regenerate discards.
type Policy int

const (
	// PolicyTrailingTurn removes the assistant messages after the last user
	// message.
	PolicyTrailingTurn Policy = iota

	// PolicyAllAssistant removes every assistant message in the session.
	PolicyAllAssistant
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case PolicyTrailingTurn:
		return "trailing-turn"
	case PolicyAllAssistant:
		return "all-assistant"
	default:
		return "unknown"
	}
}

// ParsePolicy parses a policy name. The empty string yields
// PolicyTrailingTurn.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "trailing-turn":
		return PolicyTrailingTurn, nil
	case "all-assistant":
		return PolicyAllAssistant, nil
	default:
		return PolicyTrailingTurn, fmt.Errorf("invalid regenerate policy %q, must be trailing-turn or all-assistant", s)
	}
}

// ApplyPolicy returns the history to resubmit. User and system messages are
// never removed. A history that ends with a user message is returned
// unchanged so that turn is answered again.
func ApplyPolicy(msgs []model.Message, policy Policy) ([]model.Message, error) {
	lastUser := model.LastIndexOfRole(msgs, model.RoleUser)
	if lastUser < 0 {
		return nil, ErrNothingToRegenerate
	}

	out := make([]model.Message, 0, len(msgs))
	for i, m := range msgs {
		if m.Role == model.RoleAssistant {
			switch policy {
			case PolicyAllAssistant:
				continue
			default:
				if i > lastUser {
					continue
				}
			}
		}
		out = append(out, m.Clone())
	}
	return out, nil
}

// ShouldRemoveSession reports whether msgs is degenerate after a delete:
// empty, or a single assistant reply with no prompt.
func ShouldRemoveSession(msgs []model.Message) bool {
	switch len(msgs) {
	case 0:
		return true
	case 1:
		return msgs[0].Role == model.RoleAssistant
	default:
		return false
	}
}
