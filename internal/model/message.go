// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// RESPONSE METADATA
// =============================================================================

// FinishReason explains why the model stopped producing output.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content-filter"
	FinishToolCalls     FinishReason = "tool-calls"
	FinishError         FinishReason = "error"
	FinishOther         FinishReason = "other"
	FinishUnknown       FinishReason = "unknown"
)

// ResponseMetadata is attached to an assistant message when its stream
// completes. It is never present while the message is still streaming.
type ResponseMetadata struct {
	CreatedAt    time.Time    `json:"createdAt"`
	Model        string       `json:"model"`
	TotalTokens  int          `json:"totalTokens"`
	FinishReason FinishReason `json:"finishReason"`
	// Duration is wall-clock seconds from submission to the finish event.
	Duration float64 `json:"duration"`
}

// ErrMetadataSet is returned when a message already carries metadata.
var ErrMetadataSet = errors.New("message metadata already set")

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is one entry of a chat session. Parts keep the order in which
// they were produced.
type Message struct {
	ID       string            `json:"id"`
	Role     Role              `json:"role"`
	Parts    []Part            `json:"parts"`
	Metadata *ResponseMetadata `json:"metadata,omitempty"`
}

// NewMessage creates a message with a generated ID.
func NewMessage(role Role, parts ...Part) Message {
	if parts == nil {
		parts = []Part{}
	}
	return Message{
		ID:    NewMessageID(),
		Role:  role,
		Parts: parts,
	}
}

// NewUserMessage creates a user message holding a single text part.
func NewUserMessage(text string) Message {
	return NewMessage(RoleUser, TextPart(text))
}

// NewAssistantMessage creates an empty assistant message, ready to receive
// streamed parts.
func NewAssistantMessage() Message {
	return NewMessage(RoleAssistant)
}

// NewSystemMessage creates a system message holding a single text part.
func NewSystemMessage(text string) Message {
	return NewMessage(RoleSystem, TextPart(text))
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendText concatenates delta onto the trailing text part, or starts a new
// text part when the message does not currently end with one.
func (m *Message) AppendText(delta string) {
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == PartText {
		m.Parts[n-1].Content += delta
		return
	}
	m.Parts = append(m.Parts, TextPart(delta))
}

// AppendReasoning adds segment to the trailing reasoning part as a new
// segment, or starts a new reasoning part. Segments are never concatenated.
func (m *Message) AppendReasoning(segment string) {
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == PartReasoning {
		m.Parts[n-1].Segments = append(m.Parts[n-1].Segments, segment)
		return
	}
	m.Parts = append(m.Parts, ReasoningPart(segment))
}

// AddPart appends p as-is.
func (m *Message) AddPart(p Part) {
	m.Parts = append(m.Parts, p)
}

// SetMetadata attaches completion metadata. It may be called once.
func (m *Message) SetMetadata(md ResponseMetadata) error {
	if m.Metadata != nil {
		return ErrMetadataSet
	}
	m.Metadata = &md
	return nil
}

// Text returns the concatenation of all text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Content)
		}
	}
	return b.String()
}

// FirstText returns the content of the first text part, if any.
func (m Message) FirstText() (string, bool) {
	for _, p := range m.Parts {
		if p.Type == PartText {
			return p.Content, true
		}
	}
	return "", false
}

// IsEmpty reports whether the message has no parts.
func (m Message) IsEmpty() bool {
	return len(m.Parts) == 0
}

// HasFiles reports whether the message carries file parts.
func (m Message) HasFiles() bool {
	for _, p := range m.Parts {
		if p.Type == PartFile {
			return true
		}
	}
	return false
}

// Clone returns a deep copy that shares no slices or pointers with m.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			out.Parts[i] = p.Clone()
		}
	}
	if m.Metadata != nil {
		md := *m.Metadata
		out.Metadata = &md
	}
	return out
}

// CloneMessages deep-copies a message list. A nil input yields nil.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// =============================================================================
// STATISTICS TYPE
// =============================================================================

// Statistics holds timing information for one generation.
type Statistics struct {
	StartTime      time.Time
	FirstEventTime time.Time
	EndTime        time.Time

	// Derived on RecordFirstEvent/Finalize
	TTFT          time.Duration
	TotalDuration time.Duration
}

// NewStatistics starts a measurement at now.
func NewStatistics(now time.Time) *Statistics {
	return &Statistics{StartTime: now}
}

// RecordFirstEvent records the arrival of the first stream event. Later
// calls are ignored.
func (s *Statistics) RecordFirstEvent(now time.Time) {
	if s.FirstEventTime.IsZero() {
		s.FirstEventTime = now
		s.TTFT = now.Sub(s.StartTime)
	}
}

// Finalize stops the measurement at now.
func (s *Statistics) Finalize(now time.Time) {
	s.EndTime = now
	s.TotalDuration = now.Sub(s.StartTime)
}

// Seconds returns the total duration in seconds rounded to two decimals.
func (s *Statistics) Seconds() float64 {
	return RoundSeconds(s.TotalDuration)
}

// RoundSeconds converts d to seconds rounded to two decimal places.
func RoundSeconds(d time.Duration) float64 {
	return float64(d.Round(10*time.Millisecond).Milliseconds()) / 1000
}

// =============================================================================
// ID GENERATION
// =============================================================================

// NewMessageID returns a unique message ID.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSessionID returns a stable, client-generated session ID.
func NewSessionID() string {
	return uuid.NewString()
}
