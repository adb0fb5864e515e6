// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
	"github.com/patelvivekdev/ai-sdk-v5/internal/storage"
	"github.com/patelvivekdev/ai-sdk-v5/internal/stream"
	"github.com/patelvivekdev/ai-sdk-v5/internal/stream/streamtest"
)

// =============================================================================
// HELPERS
// =============================================================================

// steppingClock advances by step on every call.
type steppingClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *steppingClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.t
	c.t = c.t.Add(c.step)
	return t
}

// flakyStore fails writes while failPut is set.
type flakyStore struct {
	storage.Store
	failPut atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) Put(ctx context.Context, id string, msgs []model.Message) (*model.ChatSession, error) {
	if s.failPut.Load() {
		return nil, errDiskFull
	}
	return s.Store.Put(ctx, id, msgs)
}

var cfg = stream.TurnConfig{Model: "gemini-2.0-flash"}

func submit(t *testing.T, c *stream.Coordinator, text string) model.Message {
	t.Helper()
	user := model.NewUserMessage(text)
	require.NoError(t, c.Submit(context.Background(), &user, cfg))
	return user
}

func wait(t *testing.T, c *stream.Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

func waitStatus(t *testing.T, c *stream.Coordinator, want stream.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Status() == want },
		3*time.Second, 5*time.Millisecond, "status never became %s", want)
}

func persisted(t *testing.T, store storage.Store, id string) []model.Message {
	t.Helper()
	sess, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return sess.Messages
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// =============================================================================
// ASSEMBLY TESTS
// =============================================================================

func TestCoordinator_TextDeltasAndFinish(t *testing.T) {
	store := storage.NewMemoryStore()
	clk := &steppingClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), step: 500 * time.Millisecond}
	transport := streamtest.New(streamtest.Script{Events: []stream.Event{
		stream.TextDelta("Hi"),
		stream.TextDelta(" there"),
		stream.Finish(model.FinishStop, 12, "model-a"),
	}})
	c := stream.New("sess", nil, store, transport, stream.WithClock(clk.now))

	user := submit(t, c, "Hello")
	wait(t, c)

	require.Equal(t, stream.StatusReady, c.Status())
	require.NoError(t, c.Err())

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, user.ID, msgs[0].ID)

	asst := msgs[1]
	assert.Equal(t, model.RoleAssistant, asst.Role)
	require.Len(t, asst.Parts, 1)
	assert.Equal(t, model.PartText, asst.Parts[0].Type)
	assert.Equal(t, "Hi there", asst.Parts[0].Content)

	require.NotNil(t, asst.Metadata)
	assert.Equal(t, model.FinishStop, asst.Metadata.FinishReason)
	assert.Equal(t, 12, asst.Metadata.TotalTokens)
	assert.Equal(t, "model-a", asst.Metadata.Model)
	// Submit at 0s, events at 0.5s, 1.0s, finish at 1.5s.
	assert.Equal(t, 1.5, asst.Metadata.Duration)

	saved := persisted(t, store, "sess")
	assert.Equal(t, ids(msgs), ids(saved))
	require.NotNil(t, saved[1].Metadata)

	stats := c.Statistics()
	require.NotNil(t, stats)
	assert.Equal(t, 500*time.Millisecond, stats.TTFT)
}

func TestCoordinator_PartsKeepArrivalOrder(t *testing.T) {
	transport := streamtest.New(streamtest.Script{Events: []stream.Event{
		stream.ReasoningDelta("think one"),
		stream.ReasoningDelta("think two"),
		stream.TextDelta("Answer"),
		stream.Source("s1", "https://example.com", "Example"),
		stream.TextDelta(" continued"),
		stream.File("chart.png", "image/png", "data:image/png;base64,AA=="),
		stream.Finish(model.FinishStop, 40, ""),
	}})
	c := stream.New("sess", nil, storage.NewMemoryStore(), transport)

	submit(t, c, "Explain")
	wait(t, c)

	parts := c.Messages()[1].Parts
	require.Len(t, parts, 5)
	assert.Equal(t, model.PartReasoning, parts[0].Type)
	assert.Equal(t, []string{"think one", "think two"}, parts[0].Segments)
	assert.Equal(t, "Answer", parts[1].Content)
	assert.Equal(t, model.PartSource, parts[2].Type)
	assert.Equal(t, "s1", parts[2].SourceID)
	assert.Equal(t, " continued", parts[3].Content)
	assert.Equal(t, model.PartFile, parts[4].Type)
	assert.Equal(t, "chart.png", parts[4].Filename)

	// Finish without a model falls back to the configured one.
	assert.Equal(t, cfg.Model, c.Messages()[1].Metadata.Model)
}

func TestCoordinator_EventsAfterFinishIgnored(t *testing.T) {
	transport := streamtest.New(streamtest.Script{Events: []stream.Event{
		stream.TextDelta("a"),
		stream.Finish("", 1, "m"),
		stream.TextDelta("b"),
	}})
	c := stream.New("sess", nil, storage.NewMemoryStore(), transport)

	submit(t, c, "x")
	wait(t, c)

	asst := c.Messages()[1]
	assert.Equal(t, "a", asst.Text())
	assert.Equal(t, model.FinishUnknown, asst.Metadata.FinishReason)
}

func TestCoordinator_RequestCarriesHistoryAndConfig(t *testing.T) {
	history := []model.Message{
		{ID: "u0", Role: model.RoleUser, Parts: []model.Part{model.TextPart("earlier")}},
		{ID: "a0", Role: model.RoleAssistant, Parts: []model.Part{model.TextPart("reply")}},
	}
	transport := streamtest.New()
	c := stream.New("sess", history, storage.NewMemoryStore(), transport)

	user := model.NewUserMessage("now")
	turn := stream.TurnConfig{Model: "gemini-2.5-thinking", Search: true}
	require.NoError(t, c.Submit(context.Background(), &user, turn))
	wait(t, c)

	reqs := transport.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"u0", "a0", user.ID}, ids(reqs[0].Messages))
	assert.Equal(t, "gemini-2.5-thinking", reqs[0].SelectedModel)
	assert.True(t, reqs[0].Search)
	assert.Equal(t, model.ReasoningMedium, reqs[0].ReasoningLevel)

	last, ok := c.LastConfig()
	require.True(t, ok)
	assert.Equal(t, turn, last)
}

// =============================================================================
// FAILURE TESTS
// =============================================================================

func TestCoordinator_RemoteErrorNotPersisted(t *testing.T) {
	store := storage.NewMemoryStore()
	transport := streamtest.New(streamtest.Script{Events: []stream.Event{
		stream.TextDelta("partial"),
		stream.ErrorEvent("quota exceeded"),
	}})
	c := stream.New("sess", nil, store, transport)

	submit(t, c, "Hello")
	wait(t, c)

	assert.Equal(t, stream.StatusError, c.Status())
	var remote *stream.RemoteError
	require.ErrorAs(t, c.Err(), &remote)
	assert.Equal(t, "quota exceeded", remote.Message)

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[1].Text())
	assert.Nil(t, msgs[1].Metadata)

	_, err := store.Get(context.Background(), "sess")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestCoordinator_TransportFailure(t *testing.T) {
	errNetwork := errors.New("connection reset")
	transport := streamtest.New(streamtest.Script{
		Events: []stream.Event{stream.TextDelta("part")},
		Err:    errNetwork,
	})
	c := stream.New("sess", nil, storage.NewMemoryStore(), transport)

	submit(t, c, "Hello")
	wait(t, c)

	assert.Equal(t, stream.StatusError, c.Status())
	assert.ErrorIs(t, c.Err(), errNetwork)
	assert.True(t, c.CanRegenerate())
}

func TestCoordinator_IncompleteStream(t *testing.T) {
	transport := streamtest.New(streamtest.Script{Events: []stream.Event{stream.TextDelta("no finish")}})
	c := stream.New("sess", nil, storage.NewMemoryStore(), transport)

	submit(t, c, "Hello")
	wait(t, c)

	assert.Equal(t, stream.StatusError, c.Status())
	assert.ErrorIs(t, c.Err(), stream.ErrIncompleteStream)
}

func TestCoordinator_PanickingTransport(t *testing.T) {
	transport := stream.TransportFunc(func(ctx context.Context, req stream.Request, emit stream.EmitFunc) error {
		panic("boom")
	})
	c := stream.New("sess", nil, storage.NewMemoryStore(), transport)

	submit(t, c, "Hello")
	wait(t, c)

	assert.Equal(t, stream.StatusError, c.Status())
	assert.ErrorContains(t, c.Err(), "boom")
}

func TestCoordinator_PersistFailureKeepsMemoryAndRetries(t *testing.T) {
	store := &flakyStore{Store: storage.NewMemoryStore()}
	store.failPut.Store(true)
	transport := streamtest.New(
		streamtest.Reply("first", 1, "m"),
		streamtest.Reply("second", 1, "m"),
	)
	c := stream.New("sess", nil, store, transport)

	submit(t, c, "one")
	wait(t, c)

	assert.Equal(t, stream.StatusReady, c.Status())
	assert.ErrorIs(t, c.Err(), errDiskFull)
	require.Len(t, c.Messages(), 2)

	store.failPut.Store(false)
	submit(t, c, "two")
	wait(t, c)

	require.NoError(t, c.Err())
	saved := persisted(t, store, "sess")
	assert.Len(t, saved, 4)
	assert.Equal(t, ids(c.Messages()), ids(saved))
}

func TestCoordinator_FailedPartialNeverPersisted(t *testing.T) {
	store := storage.NewMemoryStore()
	transport := streamtest.New(
		streamtest.Script{Events: []stream.Event{stream.TextDelta("half"), stream.ErrorEvent("overloaded")}},
		streamtest.Reply("whole", 1, "m"),
	)
	c := stream.New("sess", nil, store, transport)

	first := submit(t, c, "one")
	wait(t, c)
	require.Equal(t, stream.StatusError, c.Status())
	partial := c.Messages()[1]
	assert.Equal(t, "half", partial.Text())

	second := submit(t, c, "two")
	wait(t, c)
	require.NoError(t, c.Err())

	saved := persisted(t, store, "sess")
	require.Len(t, saved, 3)
	assert.Equal(t, first.ID, saved[0].ID)
	assert.Equal(t, second.ID, saved[1].ID)
	assert.Equal(t, "whole", saved[2].Text())
	assert.Equal(t, ids(saved), ids(c.Messages()))
}

func TestCoordinator_DirtyUntilFlushed(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: storage.NewMemoryStore()}
	store.failPut.Store(true)
	c := stream.New("sess", nil, store, streamtest.New(streamtest.Reply("hi", 1, "m")))
	assert.False(t, c.Dirty())

	submit(t, c, "one")
	wait(t, c)
	assert.True(t, c.Dirty())

	assert.ErrorIs(t, c.Flush(ctx), errDiskFull)
	assert.True(t, c.Dirty())

	store.failPut.Store(false)
	require.NoError(t, c.Flush(ctx))
	assert.False(t, c.Dirty())
	assert.Len(t, persisted(t, store, "sess"), 2)
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestCoordinator_BusyWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	transport := streamtest.New(streamtest.Script{
		Events:  []stream.Event{stream.TextDelta("x")},
		Release: release,
		After:   []stream.Event{stream.Finish(model.FinishStop, 1, "m")},
	})
	c := stream.New("sess", nil, storage.NewMemoryStore(), transport)

	submit(t, c, "first")
	waitStatus(t, c, stream.StatusStreaming)
	assert.False(t, c.CanRegenerate())

	again := model.NewUserMessage("second")
	assert.ErrorIs(t, c.Submit(context.Background(), &again, cfg), stream.ErrBusy)
	assert.ErrorIs(t, c.Replace(nil), stream.ErrBusy)

	close(release)
	wait(t, c)
	assert.Equal(t, stream.StatusReady, c.Status())
	assert.Len(t, c.Messages(), 2)
}

func TestCoordinator_StopKeepsPartialResponse(t *testing.T) {
	store := storage.NewMemoryStore()
	transport := streamtest.New(streamtest.Script{
		Events:  []stream.Event{stream.TextDelta("partial")},
		Release: make(chan struct{}),
	})
	c := stream.New("sess", nil, store, transport)

	submit(t, c, "Hello")
	waitStatus(t, c, stream.StatusStreaming)

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, stream.StatusReady, c.Status())
	assert.NoError(t, c.Err())

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[1].Text())
	assert.Nil(t, msgs[1].Metadata)

	saved := persisted(t, store, "sess")
	assert.Equal(t, ids(msgs), ids(saved))
}

func TestCoordinator_StopDropsEmptyAssistant(t *testing.T) {
	store := storage.NewMemoryStore()
	transport := streamtest.New(streamtest.Script{Release: make(chan struct{})})
	c := stream.New("sess", nil, store, transport)

	user := submit(t, c, "Hello")
	assert.Equal(t, stream.StatusSubmitted, c.Status())

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, stream.StatusReady, c.Status())
	assert.Equal(t, []string{user.ID}, ids(c.Messages()))
	assert.Equal(t, []string{user.ID}, ids(persisted(t, store, "sess")))
}

func TestCoordinator_StopWhenIdle(t *testing.T) {
	c := stream.New("sess", nil, storage.NewMemoryStore(), streamtest.New())
	assert.ErrorIs(t, c.Stop(context.Background()), stream.ErrNotStarted)
	assert.Equal(t, stream.StatusIdle, c.Status())
	assert.False(t, c.CanRegenerate())
}

func TestCoordinator_ResetCancelsTurn(t *testing.T) {
	transport := streamtest.New(streamtest.Script{
		Events:  []stream.Event{stream.TextDelta("x")},
		Release: make(chan struct{}),
	})
	store := storage.NewMemoryStore()
	c := stream.New("sess", nil, store, transport)

	submit(t, c, "Hello")
	waitStatus(t, c, stream.StatusStreaming)

	c.Reset()
	wait(t, c)

	assert.Equal(t, stream.StatusIdle, c.Status())
	assert.Empty(t, c.Messages())
	_, err := store.Get(context.Background(), "sess")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestCoordinator_SubmitNeedsMessages(t *testing.T) {
	c := stream.New("sess", nil, storage.NewMemoryStore(), streamtest.New())
	assert.ErrorIs(t, c.Resubmit(context.Background(), cfg), stream.ErrNoMessages)
}

func TestCoordinator_SubscribeSeesLifecycle(t *testing.T) {
	release := make(chan struct{})
	transport := streamtest.New(streamtest.Script{
		Events:  []stream.Event{stream.TextDelta("x")},
		Release: release,
		After:   []stream.Event{stream.Finish(model.FinishStop, 1, "m")},
	})
	c := stream.New("sess", nil, storage.NewMemoryStore(), transport)

	updates, cancel := c.Subscribe()
	defer cancel()

	first := <-updates
	assert.Equal(t, stream.StatusIdle, first.Status)
	assert.Equal(t, "sess", first.SessionID)

	submit(t, c, "Hello")
	waitStatus(t, c, stream.StatusStreaming)
	close(release)

	timeout := time.After(3 * time.Second)
	for {
		select {
		case snap := <-updates:
			if snap.Status == stream.StatusReady {
				require.Len(t, snap.Messages, 2)
				assert.NotNil(t, snap.Messages[1].Metadata)
				return
			}
		case <-timeout:
			t.Fatal("never observed ready snapshot")
		}
	}
}

// =============================================================================
// WRITE-THROUGH TESTS
// =============================================================================

func TestCoordinator_WriteThroughKeepsConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	history := []model.Message{
		{ID: "u1", Role: model.RoleUser, Parts: []model.Part{model.TextPart("a")}},
		{ID: "a1", Role: model.RoleAssistant, Parts: []model.Part{model.TextPart("b")}},
	}
	_, err := store.Put(ctx, "sess", history)
	require.NoError(t, err)

	c := stream.New("sess", history, store, streamtest.New())

	// Another writer appends while this view is open.
	extra := append(model.CloneMessages(history),
		model.Message{ID: "x1", Role: model.RoleUser, Parts: []model.Part{model.TextPart("elsewhere")}})
	_, err = store.Put(ctx, "sess", extra)
	require.NoError(t, err)

	user := submit(t, c, "next")
	wait(t, c)

	saved := persisted(t, store, "sess")
	require.Len(t, saved, 5)
	assert.Equal(t, []string{"u1", "a1", "x1", user.ID}, ids(saved)[:4])
	assert.Equal(t, ids(saved), ids(c.Messages()))
}

func TestCoordinator_WriteThroughDoesNotResurrectDeleted(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	history := []model.Message{
		{ID: "u1", Role: model.RoleUser, Parts: []model.Part{model.TextPart("a")}},
		{ID: "a1", Role: model.RoleAssistant, Parts: []model.Part{model.TextPart("b")}},
		{ID: "u2", Role: model.RoleUser, Parts: []model.Part{model.TextPart("c")}},
		{ID: "a2", Role: model.RoleAssistant, Parts: []model.Part{model.TextPart("d")}},
	}
	_, err := store.Put(ctx, "sess", history)
	require.NoError(t, err)

	c := stream.New("sess", history, store, streamtest.New())

	_, err = store.Put(ctx, "sess", history[:2])
	require.NoError(t, err)

	user := submit(t, c, "again")
	wait(t, c)

	saved := persisted(t, store, "sess")
	assert.Equal(t, []string{"u1", "a1", user.ID}, ids(saved)[:3])
	assert.Len(t, saved, 4)
}

func TestCoordinator_HistoryMergesUnsaved(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: storage.NewMemoryStore()}
	store.failPut.Store(true)
	c := stream.New("sess", nil, store, streamtest.New())

	submit(t, c, "Hello")
	wait(t, c)
	require.Error(t, c.Err())

	history, err := c.History(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids(c.Messages()), ids(history))

	c.MarkSaved()
	history, err = c.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, history)
}
