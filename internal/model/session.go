// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strconv"
	"time"
)

// =============================================================================
// CHAT SESSION TYPE
// =============================================================================

// ChatSession is one persisted conversation thread. CreatedAt is stamped on
// the first persist and never changes afterwards.
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
}

// Clone returns a deep copy of the session.
func (s ChatSession) Clone() ChatSession {
	s.Messages = CloneMessages(s.Messages)
	return s
}

// MessageCount returns the number of messages.
func (s ChatSession) MessageCount() int {
	return len(s.Messages)
}

// Preview returns the first user text, or the first text of any message.
func (s ChatSession) Preview() string {
	for _, m := range s.Messages {
		if m.Role != RoleUser {
			continue
		}
		if text, ok := m.FirstText(); ok {
			return text
		}
	}
	for _, m := range s.Messages {
		if text, ok := m.FirstText(); ok {
			return text
		}
	}
	return ""
}

// =============================================================================
// MESSAGE LIST HELPERS
// =============================================================================

// IndexOf returns the index of the message with the given id, or -1.
func IndexOf(msgs []Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// Contains reports whether msgs holds a message with the given id.
func Contains(msgs []Message, id string) bool {
	return IndexOf(msgs, id) >= 0
}

// RemoveByID returns a copy of msgs without the message whose id matches.
// The second result reports whether a message was removed.
func RemoveByID(msgs []Message, id string) ([]Message, bool) {
	idx := IndexOf(msgs, id)
	if idx < 0 {
		return CloneMessages(msgs), false
	}
	out := make([]Message, 0, len(msgs)-1)
	for i, m := range msgs {
		if i != idx {
			out = append(out, m.Clone())
		}
	}
	return out, true
}

// LastIndexOfRole returns the index of the last message with role, or -1.
func LastIndexOfRole(msgs []Message, role Role) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			return i
		}
	}
	return -1
}

// LastAssistant returns the most recent assistant message.
func LastAssistant(msgs []Message) (Message, bool) {
	idx := LastIndexOfRole(msgs, RoleAssistant)
	if idx < 0 {
		return Message{}, false
	}
	return msgs[idx], true
}

// ValidateMessages checks roles, part types and id uniqueness.
func ValidateMessages(msgs []Message) error {
	seen := make(map[string]bool, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			return &MessageError{Index: i, Reason: "missing id"}
		}
		if seen[m.ID] {
			return &MessageError{Index: i, ID: m.ID, Reason: "duplicate id"}
		}
		seen[m.ID] = true
		if !m.Role.IsValid() {
			return &MessageError{Index: i, ID: m.ID, Reason: "invalid role " + string(m.Role)}
		}
		for _, p := range m.Parts {
			if err := p.Validate(); err != nil {
				return &MessageError{Index: i, ID: m.ID, Reason: err.Error()}
			}
		}
	}
	return nil
}

// MessageError describes an invalid message in a list.
type MessageError struct {
	Index  int
	ID     string
	Reason string
}

func (e *MessageError) Error() string {
	if e.ID != "" {
		return "message " + e.ID + ": " + e.Reason
	}
	return "message at index " + strconv.Itoa(e.Index) + ": " + e.Reason
}
