// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
	"github.com/patelvivekdev/ai-sdk-v5/internal/stream"
)

// replay yields responses, then err when set.
func replay(err error, rs ...*genai.GenerateContentResponse) responses {
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, r := range rs {
			if !yield(r, nil) {
				return
			}
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

func response(reason genai.FinishReason, total int32, parts ...*genai.Part) *genai.GenerateContentResponse {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: roleModel, Parts: parts},
			FinishReason: reason,
		}},
	}
	if total > 0 {
		resp.UsageMetadata = &genai.GenerateContentResponseUsageMetadata{TotalTokenCount: total}
	}
	return resp
}

func textResponse(text string, reason genai.FinishReason, total int32) *genai.GenerateContentResponse {
	return response(reason, total, &genai.Part{Text: text})
}

func testGenerator(rs responses, got *turn) *Generator {
	return &Generator{
		registry: model.Builtin,
		open: func(ctx context.Context, t turn) responses {
			*got = t
			return rs
		},
	}
}

func collect(t *testing.T, g *Generator, req stream.Request) []stream.Event {
	t.Helper()
	var events []stream.Event
	err := g.Stream(context.Background(), req, func(ev stream.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	return events
}

func prompt(text string) []model.Message {
	return []model.Message{model.NewUserMessage(text)}
}

// =============================================================================
// STREAM TESTS
// =============================================================================

func TestStream(t *testing.T) {
	var sent turn
	g := testGenerator(replay(nil,
		textResponse("Hi", genai.FinishReasonUnspecified, 0),
		textResponse(" there", genai.FinishReasonStop, 12),
	), &sent)

	events := collect(t, g, stream.Request{
		Messages:       prompt("Hello"),
		SelectedModel:  "gemini-2.5-pro-thinking",
		ReasoningLevel: model.ReasoningLow,
	})

	if sent.model != "gemini-2.5-pro-exp-03-25" {
		t.Errorf("upstream model = %q", sent.model)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Text != "Hi" || events[1].Text != " there" {
		t.Errorf("text events = %q, %q", events[0].Text, events[1].Text)
	}
	fin := events[2]
	if fin.Type != stream.EventFinish || fin.FinishReason != model.FinishStop || fin.TotalTokens != 12 || fin.Model != "gemini-2.5-pro-thinking" {
		t.Errorf("finish = %+v", fin)
	}
}

func TestStream_ThoughtsAndSources(t *testing.T) {
	grounded := textResponse("Paris.", genai.FinishReasonStop, 30)
	grounded.Candidates[0].GroundingMetadata = &genai.GroundingMetadata{
		GroundingChunks: []*genai.GroundingChunk{
			{Web: &genai.GroundingChunkWeb{URI: "https://example.com/paris", Title: "Paris"}},
			{Web: &genai.GroundingChunkWeb{URI: "https://example.com/france", Title: "France"}},
			{},
		},
	}
	repeated := response(genai.FinishReasonUnspecified, 0)
	repeated.Candidates[0].GroundingMetadata = &genai.GroundingMetadata{
		GroundingChunks: []*genai.GroundingChunk{
			{Web: &genai.GroundingChunkWeb{URI: "https://example.com/paris", Title: "Paris"}},
		},
	}

	var sent turn
	g := testGenerator(replay(nil,
		response(genai.FinishReasonUnspecified, 0, &genai.Part{Text: "Capital lookup.", Thought: true}),
		grounded,
		repeated,
	), &sent)

	events := collect(t, g, stream.Request{
		Messages:       prompt("Capital of France?"),
		SelectedModel:  "gemini-2.5-flash-search-thinking",
		Search:         true,
		ReasoningLevel: model.ReasoningHigh,
	})

	require.Len(t, events, 5)
	assert.Equal(t, stream.ReasoningDelta("Capital lookup."), events[0])
	assert.Equal(t, stream.TextDelta("Paris."), events[1])
	assert.Equal(t, stream.Source("source-1", "https://example.com/paris", "Paris"), events[2])
	assert.Equal(t, stream.Source("source-2", "https://example.com/france", "France"), events[3])
	assert.Equal(t, stream.EventFinish, events[4].Type)
	assert.Equal(t, 30, events[4].TotalTokens)
}

func TestStream_InlineDataBecomesFile(t *testing.T) {
	var sent turn
	g := testGenerator(replay(nil, response(genai.FinishReasonUnspecified, 0,
		&genai.Part{InlineData: &genai.Blob{MIMEType: "image/png", Data: []byte("png")}},
	)), &sent)

	events := collect(t, g, stream.Request{Messages: prompt("draw")})
	if len(events) != 2 || events[0].Type != stream.EventFile {
		t.Fatalf("events = %+v", events)
	}
	if events[0].URL != "data:image/png;base64,cG5n" {
		t.Errorf("file URL = %q", events[0].URL)
	}
	if events[1].FinishReason != model.FinishUnknown {
		t.Errorf("finish reason = %q, want unknown", events[1].FinishReason)
	}
}

func TestStream_Errors(t *testing.T) {
	var sent turn

	upstream := errors.New("quota exceeded")
	g := testGenerator(replay(upstream, textResponse("par", genai.FinishReasonUnspecified, 0)), &sent)
	finished := false
	err := g.Stream(context.Background(), stream.Request{Messages: prompt("x")},
		func(ev stream.Event) error {
			if ev.Type == stream.EventFinish {
				finished = true
			}
			return nil
		})
	if !errors.Is(err, upstream) {
		t.Errorf("Stream() error = %v, want %v", err, upstream)
	}
	if finished {
		t.Error("a failed stream must not emit finish")
	}

	// Emit refusal stops the stream.
	closed := errors.New("closed")
	g = testGenerator(replay(nil,
		textResponse("a", genai.FinishReasonUnspecified, 0),
		textResponse("b", genai.FinishReasonStop, 0),
	), &sent)
	calls := 0
	err = g.Stream(context.Background(), stream.Request{Messages: prompt("x")},
		func(stream.Event) error {
			calls++
			return closed
		})
	if !errors.Is(err, closed) || calls != 1 {
		t.Errorf("Stream() = %v after %d calls, want %v after 1", err, calls, closed)
	}
}

// =============================================================================
// REQUEST CONFIGURATION TESTS
// =============================================================================

func TestStream_RequestConfig(t *testing.T) {
	tests := []struct {
		name       string
		req        stream.Request
		wantBudget *int32
		wantThink  bool
		wantSearch bool
	}{
		{
			name:       "reasoning model gets level budget",
			req:        stream.Request{SelectedModel: "gemini-2.5-pro-thinking", ReasoningLevel: model.ReasoningLow},
			wantBudget: ptr(model.ThinkingBudget(model.ReasoningLow)),
			wantThink:  true,
		},
		{
			name:       "search reasoning model gets both",
			req:        stream.Request{SelectedModel: "gemini-2.5-flash-search-thinking", ReasoningLevel: model.ReasoningHigh, Search: true},
			wantBudget: ptr(model.ThinkingBudget(model.ReasoningHigh)),
			wantThink:  true,
			wantSearch: true,
		},
		{
			name:       "plain 2.5 flash has thinking off",
			req:        stream.Request{SelectedModel: "gemini-2.5-flash", ReasoningLevel: model.ReasoningHigh},
			wantBudget: ptr(0),
		},
		{
			name:       "search model without the toggle still grounds",
			req:        stream.Request{SelectedModel: "gemini-2.0-search"},
			wantSearch: true,
		},
		{
			name:       "search toggle on a plain model",
			req:        stream.Request{SelectedModel: "gemini-2.0-flash", Search: true},
			wantSearch: true,
		},
		{
			name: "2.0 flash takes no thinking settings",
			req:  stream.Request{SelectedModel: "gemini-2.0-flash"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var sent turn
			g := testGenerator(replay(nil, textResponse("ok", genai.FinishReasonStop, 1)), &sent)
			tc.req.Messages = prompt("q")
			collect(t, g, tc.req)

			cfg := sent.config
			require.NotNil(t, cfg)
			assert.Len(t, cfg.SafetySettings, 4)

			if tc.wantBudget == nil {
				assert.Nil(t, cfg.ThinkingConfig)
			} else {
				require.NotNil(t, cfg.ThinkingConfig)
				require.NotNil(t, cfg.ThinkingConfig.ThinkingBudget)
				assert.Equal(t, *tc.wantBudget, *cfg.ThinkingConfig.ThinkingBudget)
				assert.Equal(t, tc.wantThink, cfg.ThinkingConfig.IncludeThoughts)
			}

			if tc.wantSearch {
				require.Len(t, cfg.Tools, 1)
				assert.NotNil(t, cfg.Tools[0].GoogleSearch)
			} else {
				assert.Empty(t, cfg.Tools)
			}
		})
	}
}

func ptr(v int32) *int32 { return &v }

// =============================================================================
// CONVERSION TESTS
// =============================================================================

func TestBuildContents(t *testing.T) {
	file, err := model.NewFilePart("cat.png", "", []byte("png"))
	if err != nil {
		t.Fatalf("NewFilePart() error = %v", err)
	}

	asst := model.NewAssistantMessage()
	asst.AppendReasoning("thinking")
	asst.AppendText("Hello!")

	emptyAsst := model.NewAssistantMessage()
	emptyAsst.AppendReasoning("only thoughts")

	msgs := []model.Message{
		model.NewSystemMessage("Be brief."),
		model.NewUserMessage("Hi"),
		asst,
		emptyAsst,
		model.NewMessage(model.RoleUser, file, model.TextPart("what is this?")),
	}

	system, contents, err := buildContents(msgs)
	if err != nil {
		t.Fatalf("buildContents() error = %v", err)
	}

	if system == nil || system.Parts[0].Text != "Be brief." {
		t.Errorf("system = %+v", system)
	}
	if len(contents) != 3 {
		t.Fatalf("contents has %d entries, want 3", len(contents))
	}
	if contents[0].Role != roleUser || contents[1].Role != roleModel || contents[2].Role != roleUser {
		t.Errorf("roles = %q, %q, %q", contents[0].Role, contents[1].Role, contents[2].Role)
	}
	if len(contents[1].Parts) != 1 || contents[1].Parts[0].Text != "Hello!" {
		t.Errorf("assistant parts = %+v, want only the answer text", contents[1].Parts)
	}
	last := contents[2].Parts
	if len(last) != 2 {
		t.Fatalf("prompt has %d parts, want 2", len(last))
	}
	blob := last[0].InlineData
	if blob == nil || blob.MIMEType != "image/png" || string(blob.Data) != "png" {
		t.Errorf("prompt parts[0] = %+v, want png blob", last[0])
	}
}

func TestBuildContents_NoPrompt(t *testing.T) {
	asst := model.NewAssistantMessage()
	asst.AppendText("orphan")

	tests := map[string][]model.Message{
		"empty":          nil,
		"system only":    {model.NewSystemMessage("x")},
		"ends assistant": {model.NewUserMessage("q"), asst},
	}
	for name, msgs := range tests {
		if _, _, err := buildContents(msgs); !errors.Is(err, ErrNoPrompt) {
			t.Errorf("buildContents(%s) error = %v, want ErrNoPrompt", name, err)
		}
	}
}

func TestMapFinishReason(t *testing.T) {
	tests := []struct {
		in   genai.FinishReason
		want model.FinishReason
	}{
		{genai.FinishReasonStop, model.FinishStop},
		{genai.FinishReasonMaxTokens, model.FinishLength},
		{genai.FinishReasonSafety, model.FinishContentFilter},
		{genai.FinishReasonRecitation, model.FinishContentFilter},
		{genai.FinishReasonProhibitedContent, model.FinishContentFilter},
		{genai.FinishReasonOther, model.FinishOther},
		{genai.FinishReasonUnspecified, model.FinishUnknown},
	}
	for _, tc := range tests {
		if got := mapFinishReason(tc.in); got != tc.want {
			t.Errorf("mapFinishReason(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestUpstreamName(t *testing.T) {
	g := &Generator{registry: model.Builtin}
	if got := g.UpstreamName("gemini-2.0-search"); got != "gemini-2.0-flash" {
		t.Errorf("UpstreamName(gemini-2.0-search) = %q", got)
	}
	if got := g.UpstreamName("unknown"); got != "gemini-2.0-flash" {
		t.Errorf("UpstreamName(unknown) = %q, want default", got)
	}
}

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New(context.Background(), "", nil); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("New() error = %v, want ErrNoAPIKey", err)
	}
}
