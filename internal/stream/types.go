// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"

	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the lifecycle state of a conversation's current request.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusReady     Status = "ready"
	StatusError     Status = "error"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// InFlight reports whether a request is outstanding.
func (s Status) InFlight() bool {
	return s == StatusSubmitted || s == StatusStreaming
}

// =============================================================================
// EVENTS
// =============================================================================

// EventType names an inbound stream event.
type EventType string

const (
	EventTextDelta      EventType = "text-delta"
	EventReasoningDelta EventType = "reasoning-delta"
	EventSource         EventType = "source"
	EventFile           EventType = "file"
	EventFinish         EventType = "finish"
	EventError          EventType = "error"
)

// Event is one inbound stream event. Type selects which fields are set.
type Event struct {
	Type EventType `json:"type"`

	// text-delta, reasoning-delta
	Text string `json:"text,omitempty"`

	// source
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`

	// source, file
	URL string `json:"url,omitempty"`

	// file
	Filename  string `json:"filename,omitempty"`
	MediaType string `json:"mediaType,omitempty"`

	// finish
	FinishReason model.FinishReason `json:"finishReason,omitempty"`
	TotalTokens  int                `json:"totalTokens,omitempty"`
	Model        string             `json:"model,omitempty"`

	// finish, informational. The coordinator measures its own duration.
	CreatedAt int64   `json:"createdAt,omitempty"`
	Duration  float64 `json:"duration,omitempty"`

	// error
	Error string `json:"errorText,omitempty"`
}

// TextDelta returns a text-delta event.
func TextDelta(text string) Event {
	return Event{Type: EventTextDelta, Text: text}
}

// ReasoningDelta returns a reasoning-delta event.
func ReasoningDelta(text string) Event {
	return Event{Type: EventReasoningDelta, Text: text}
}

// Source returns a source event.
func Source(id, url, title string) Event {
	return Event{Type: EventSource, ID: id, URL: url, Title: title}
}

// File returns a file event.
func File(filename, mediaType, url string) Event {
	return Event{Type: EventFile, Filename: filename, MediaType: mediaType, URL: url}
}

// Finish returns a finish event.
func Finish(reason model.FinishReason, totalTokens int, modelID string) Event {
	return Event{Type: EventFinish, FinishReason: reason, TotalTokens: totalTokens, Model: modelID}
}

// ErrorEvent returns an error event.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Error: message}
}

// =============================================================================
// REQUEST & TRANSPORT
// =============================================================================

// Request is the outbound inference request body.
type Request struct {
	Messages       []model.Message      `json:"messages"`
	SelectedModel  string               `json:"selectedModel"`
	Search         bool                 `json:"search"`
	ReasoningLevel model.ReasoningLevel `json:"reasoningLevel"`
}

// TurnConfig is the model configuration a turn was sent with. Regenerate
// reuses it.
type TurnConfig struct {
	Model          string
	Search         bool
	ReasoningLevel model.ReasoningLevel
}

// Request builds the outbound request for history.
func (c TurnConfig) Request(history []model.Message) Request {
	return Request{
		Messages:       history,
		SelectedModel:  c.Model,
		Search:         c.Search,
		ReasoningLevel: c.ReasoningLevel.OrDefault(),
	}
}

// EmitFunc receives events in arrival order. A non-nil return tells the
// transport to stop reading and return that error.
type EmitFunc func(Event) error

// Transport performs one inference request and delivers its events.
// Stream returns after the stream ends, after emit returns an error, or when
// ctx is canceled.
type Transport interface {
	Stream(ctx context.Context, req Request, emit EmitFunc) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request, emit EmitFunc) error

// Stream calls f.
func (f TransportFunc) Stream(ctx context.Context, req Request, emit EmitFunc) error {
	return f(ctx, req, emit)
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrBusy is returned when a request is already in flight.
	ErrBusy = errors.New("a response is already streaming")

	// ErrNotStarted is returned by Stop when no request is in flight.
	ErrNotStarted = errors.New("no response in flight")

	// ErrIncompleteStream is the failure recorded when a transport returns
	// without a finish event.
	ErrIncompleteStream = errors.New("stream ended without a finish event")

	// ErrNoMessages is returned by Submit when there is nothing to send.
	ErrNoMessages = errors.New("no messages to send")

	// errTurnClosed is returned from emit once the turn no longer accepts
	// events.
	errTurnClosed = errors.New("turn closed")
)

// RemoteError is an explicit error event from the endpoint.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote error"
	}
	return "remote error: " + e.Message
}
