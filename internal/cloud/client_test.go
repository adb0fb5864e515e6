// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
	"github.com/patelvivekdev/ai-sdk-v5/internal/stream"
)

// collect returns an EmitFunc that records events.
func collect(events *[]stream.Event) stream.EmitFunc {
	return func(ev stream.Event) error {
		*events = append(*events, ev)
		return nil
	}
}

func sseServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ChatPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// =============================================================================
// SSE READER TESTS
// =============================================================================

func TestSSEReader(t *testing.T) {
	input := ": comment\n" +
		"event: message\n" +
		"data: {\"a\":1}\n\n" +
		"id: 7\n" +
		"data: line1\n" +
		"data: line2\n\n" +
		"data:tight\r\n\r\n" +
		"data: trailing"

	r := NewSSEReader(strings.NewReader(input))

	want := []struct {
		typ  string
		data string
	}{
		{"message", `{"a":1}`},
		{"", "line1\nline2"},
		{"", "tight"},
		{"", "trailing"},
	}
	for i, w := range want {
		typ, data, err := r.ReadEvent()
		if err != nil {
			t.Fatalf("event %d: ReadEvent() error = %v", i, err)
		}
		if typ != w.typ || string(data) != w.data {
			t.Errorf("event %d = (%q, %q), want (%q, %q)", i, typ, data, w.typ, w.data)
		}
	}
	if _, _, err := r.ReadEvent(); err != io.EOF {
		t.Errorf("final ReadEvent() error = %v, want io.EOF", err)
	}
}

// =============================================================================
// STREAM TESTS
// =============================================================================

func TestStream_DecodesEvents(t *testing.T) {
	var got stream.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("Accept = %q, want text/event-stream", accept)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret-key" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"type":"reasoning-delta","text":"hmm"}`+"\n\n")
		io.WriteString(w, `data: {"type":"text-delta","text":"Hi"}`+"\n\n")
		io.WriteString(w, "data: not json\n\n")
		io.WriteString(w, `data: {"type":"text-delta","text":" there"}`+"\n\n")
		io.WriteString(w, `data: {"type":"source","id":"s1","url":"https://go.dev","title":"Go"}`+"\n\n")
		io.WriteString(w, `data: {"type":"finish","finishReason":"stop","totalTokens":12,"model":"model-a"}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
		io.WriteString(w, `data: {"type":"text-delta","text":"after done"}`+"\n\n")
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithAPIKey("secret-key"), WithRateLimit(0, 0))
	req := stream.Request{
		Messages:       []model.Message{model.NewUserMessage("Hello")},
		SelectedModel:  "gemini-2.5-search",
		Search:         true,
		ReasoningLevel: model.ReasoningHigh,
	}

	var events []stream.Event
	if err := client.Stream(context.Background(), req, collect(&events)); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	if got.SelectedModel != "gemini-2.5-search" || !got.Search || got.ReasoningLevel != model.ReasoningHigh {
		t.Errorf("request = %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Text() != "Hello" {
		t.Errorf("request messages = %+v", got.Messages)
	}

	wantTypes := []stream.EventType{
		stream.EventReasoningDelta,
		stream.EventTextDelta,
		stream.EventTextDelta,
		stream.EventSource,
		stream.EventFinish,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantTypes), events)
	}
	for i, typ := range wantTypes {
		if events[i].Type != typ {
			t.Errorf("events[%d].Type = %q, want %q", i, events[i].Type, typ)
		}
	}
	if fin := events[4]; fin.TotalTokens != 12 || fin.Model != "model-a" || fin.FinishReason != model.FinishStop {
		t.Errorf("finish = %+v", fin)
	}
}

func TestStream_EndOfBodyWithoutDone(t *testing.T) {
	srv := sseServer(t, `data: {"type":"text-delta","text":"cut"}`+"\n\n")
	client := NewClient(srv.URL, WithRateLimit(0, 0))

	var events []stream.Event
	if err := client.Stream(context.Background(), stream.Request{}, collect(&events)); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if len(events) != 1 {
		t.Errorf("got %d events, want 1", len(events))
	}
}

func TestStream_EmitErrorStopsReading(t *testing.T) {
	srv := sseServer(t,
		`data: {"type":"text-delta","text":"a"}`+"\n\n"+
			`data: {"type":"text-delta","text":"b"}`+"\n\n")
	client := NewClient(srv.URL, WithRateLimit(0, 0))

	stop := errors.New("closed")
	calls := 0
	err := client.Stream(context.Background(), stream.Request{}, func(stream.Event) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("Stream() error = %v, want %v", err, stop)
	}
	if calls != 1 {
		t.Errorf("emit called %d times, want 1", calls)
	}
}

func TestStream_APIError(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
		rateLimited bool
	}{
		{"json body", http.StatusInternalServerError, `{"error":"upstream down"}`, "upstream down", false},
		{"text body", http.StatusBadRequest, "bad request\n", "bad request", false},
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, "slow down", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			client := NewClient(srv.URL, WithRateLimit(0, 0))
			emitted := false
			err := client.Stream(context.Background(), stream.Request{}, func(stream.Event) error {
				emitted = true
				return nil
			})

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("Stream() error = %v, want *APIError", err)
			}
			if apiErr.StatusCode != tc.status || apiErr.Message != tc.wantMessage {
				t.Errorf("APIError = %+v, want status %d message %q", apiErr, tc.status, tc.wantMessage)
			}
			if errors.Is(err, ErrRateLimited) != tc.rateLimited {
				t.Errorf("errors.Is(err, ErrRateLimited) = %v, want %v", !tc.rateLimited, tc.rateLimited)
			}
			if emitted {
				t.Error("no event should be emitted on a non-200 response")
			}
		})
	}
}

func TestStream_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"type":"text-delta","text":"first"}`+"\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(srv.URL, WithRateLimit(0, 0))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- client.Stream(ctx, stream.Request{}, func(ev stream.Event) error {
			cancel()
			return nil
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Stream() error = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stream() did not return after cancel")
	}
}

func TestStream_NotConfigured(t *testing.T) {
	client := NewClient("")
	if client.IsConfigured() {
		t.Error("IsConfigured() = true for empty URL")
	}
	err := client.Stream(context.Background(), stream.Request{}, collect(new([]stream.Event)))
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Stream() error = %v, want ErrNotConfigured", err)
	}
}

// =============================================================================
// MODELS TESTS
// =============================================================================

func TestModels_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ModelsPath {
			http.NotFound(w, r)
			return
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"models": model.Builtin.All()})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithRateLimit(0, 0))
	models, err := client.Models(context.Background())
	if err != nil {
		t.Fatalf("Models() error = %v", err)
	}
	if len(models) != len(model.Builtin.All()) {
		t.Errorf("Models() returned %d entries, want %d", len(models), len(model.Builtin.All()))
	}
	if calls.Load() != 2 {
		t.Errorf("server called %d times, want 2", calls.Load())
	}
}

func TestModels_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithRateLimit(0, 0))
	if _, err := client.Models(context.Background()); err == nil {
		t.Fatal("Models() expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("server called %d times, want 1", calls.Load())
	}
}

// =============================================================================
// HELPER TESTS
// =============================================================================

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &APIError{StatusCode: 429}, true},
		{"server error", &APIError{StatusCode: 502}, true},
		{"bad request", &APIError{StatusCode: 400}, false},
		{"canceled", context.Canceled, false},
		{"other", errors.New("boom"), false},
	}
	for _, tc := range tests {
		if got := isRetryable(tc.err); got != tc.want {
			t.Errorf("isRetryable(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{10, retryMaxDelay},
	}
	for _, tc := range tests {
		if got := calculateBackoff(tc.attempt); got != tc.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestAPIKeyMasked(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "(not set)"},
		{"short", "****"},
		{"sk-abcdefghijkl", "****ijkl"},
	}
	for _, tc := range tests {
		if got := NewClient("http://x", WithAPIKey(tc.key)).APIKeyMasked(); got != tc.want {
			t.Errorf("APIKeyMasked(%q) = %q, want %q", tc.key, got, tc.want)
		}
	}
}

func TestStreamError(t *testing.T) {
	inner := errors.New("connection reset")
	err := &StreamError{Partial: "abc", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("StreamError should unwrap to the inner error")
	}
	if !strings.Contains(err.Error(), "3 chars") {
		t.Errorf("Error() = %q", err.Error())
	}
}
