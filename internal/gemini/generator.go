// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/patelvivekdev/ai-sdk-v5/internal/logging"
	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
	"github.com/patelvivekdev/ai-sdk-v5/internal/stream"
)

var (
	// ErrNoAPIKey is returned by New without a key.
	ErrNoAPIKey = errors.New("gemini API key not configured")

	// ErrNoPrompt is returned when the request does not end with a user
	// message.
	ErrNoPrompt = errors.New("request must end with a user message")
)

// Provider roles.
var (
	roleUser  = string(genai.RoleUser)
	roleModel = string(genai.RoleModel)
)

// turn is one prepared call to the provider.
type turn struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

// responses yields streamed responses, ending early on the first error.
type responses = iter.Seq2[*genai.GenerateContentResponse, error]

type openFunc func(ctx context.Context, t turn) responses

// =============================================================================
// GENERATOR
// =============================================================================

// Generator streams chat turns from Gemini. It implements stream.Transport.
type Generator struct {
	client   *genai.Client
	registry *model.Registry
	open     openFunc
}

var _ stream.Transport = (*Generator)(nil)

// New creates a generator authenticated with apiKey. registry supplies the
// default model when a request names an unknown one.
func New(ctx context.Context, apiKey string, registry *model.Registry) (*Generator, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	if registry == nil {
		registry = model.Builtin
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	g := &Generator{client: client, registry: registry}
	g.open = g.generate
	return g, nil
}

// Close is a no-op; the client holds no resources beyond its HTTP transport.
func (g *Generator) Close() error {
	return nil
}

func (g *Generator) generate(ctx context.Context, t turn) responses {
	return g.client.Models.GenerateContentStream(ctx, t.model, t.contents, t.config)
}

// UpstreamName returns the provider model for a selectable id, falling back
// to the registry default.
func (g *Generator) UpstreamName(id string) string {
	if name, ok := model.UpstreamModel(id); ok {
		return name
	}
	if name, ok := model.UpstreamModel(g.registry.Default().ID); ok {
		return name
	}
	return g.registry.Default().ID
}

// =============================================================================
// REQUEST CONFIGURATION
// =============================================================================

// safetySettings disables provider-side blocking for every category.
func safetySettings() []*genai.SafetySetting {
	categories := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryDangerousContent,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryCivicIntegrity,
	}
	out := make([]*genai.SafetySetting, 0, len(categories))
	for _, c := range categories {
		out = append(out, &genai.SafetySetting{Category: c, Threshold: genai.HarmBlockThresholdBlockNone})
	}
	return out
}

// thinkingConfig returns the thinking settings for upstream. Reasoning
// models get the level's budget with thoughts streamed back. Flash models
// that think by default are turned off with a zero budget; other models
// take no thinking settings at all.
func thinkingConfig(upstream string, budget int32) *genai.ThinkingConfig {
	switch {
	case budget > 0:
		return &genai.ThinkingConfig{ThinkingBudget: &budget, IncludeThoughts: true}
	case strings.HasPrefix(upstream, "gemini-2.5-flash"):
		var off int32
		return &genai.ThinkingConfig{ThinkingBudget: &off}
	default:
		return nil
	}
}

// requestConfig builds the generation settings for req.
func (g *Generator) requestConfig(req stream.Request, upstream string, system *genai.Content) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
		SafetySettings:    safetySettings(),
		ThinkingConfig:    thinkingConfig(upstream, g.registry.ThinkingBudgetFor(req.SelectedModel, req.ReasoningLevel)),
	}

	search := req.Search
	if opt, ok := g.registry.ByID(req.SelectedModel); ok && opt.Search {
		search = true
	}
	if search {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return cfg
}

// =============================================================================
// STREAMING
// =============================================================================

// Stream implements stream.Transport. Answer text arrives as text-delta
// events, thoughts as reasoning-delta events, inline data as file events and
// grounding citations as source events. A finish event carrying the
// selected model id closes a successful stream.
func (g *Generator) Stream(ctx context.Context, req stream.Request, emit stream.EmitFunc) error {
	system, contents, err := buildContents(req.Messages)
	if err != nil {
		return err
	}
	upstream := g.UpstreamName(req.SelectedModel)
	t := turn{
		model:    upstream,
		contents: contents,
		config:   g.requestConfig(req, upstream, system),
	}

	budget := int32(-1)
	if t.config.ThinkingConfig != nil {
		budget = *t.config.ThinkingConfig.ThinkingBudget
	}
	logging.Debug("GEMINI_REQUEST", "model", t.model, "selected", req.SelectedModel,
		"contents", len(t.contents), "budget", budget, "search", len(t.config.Tools) > 0)

	reason := model.FinishUnknown
	tokens := 0
	seen := make(map[string]bool)

	for resp, err := range g.open(ctx, t) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("gemini stream: %w", err)
		}
		if resp == nil {
			continue
		}

		if resp.UsageMetadata != nil && resp.UsageMetadata.TotalTokenCount > 0 {
			tokens = int(resp.UsageMetadata.TotalTokenCount)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
			continue
		}
		cand := resp.Candidates[0]
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				ev, ok := partEvent(p)
				if !ok {
					continue
				}
				if err := emit(ev); err != nil {
					return err
				}
			}
		}
		for _, ev := range sourceEvents(cand.GroundingMetadata, seen) {
			if err := emit(ev); err != nil {
				return err
			}
		}
		if cand.FinishReason != "" && cand.FinishReason != genai.FinishReasonUnspecified {
			reason = mapFinishReason(cand.FinishReason)
		}
	}

	return emit(stream.Finish(reason, tokens, req.SelectedModel))
}

// partEvent converts one provider part into an event.
func partEvent(p *genai.Part) (stream.Event, bool) {
	switch {
	case p == nil:
		return stream.Event{}, false
	case p.InlineData != nil:
		blob := p.InlineData
		return stream.File("", blob.MIMEType, model.EncodeDataURI(blob.MIMEType, blob.Data)), true
	case p.Text == "":
		return stream.Event{}, false
	case p.Thought:
		return stream.ReasoningDelta(p.Text), true
	default:
		return stream.TextDelta(p.Text), true
	}
}

// sourceEvents returns one source event per web citation not yet in seen.
// Grounding metadata is repeated across chunks, so citations are keyed by URI.
func sourceEvents(md *genai.GroundingMetadata, seen map[string]bool) []stream.Event {
	if md == nil {
		return nil
	}
	var out []stream.Event
	for _, chunk := range md.GroundingChunks {
		if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		web := chunk.Web
		if seen[web.URI] {
			continue
		}
		seen[web.URI] = true
		out = append(out, stream.Source(fmt.Sprintf("source-%d", len(seen)), web.URI, web.Title))
	}
	return out
}

// mapFinishReason converts the provider's finish reason.
func mapFinishReason(r genai.FinishReason) model.FinishReason {
	switch r {
	case genai.FinishReasonStop:
		return model.FinishStop
	case genai.FinishReasonMaxTokens:
		return model.FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent, genai.FinishReasonSPII:
		return model.FinishContentFilter
	case genai.FinishReasonOther:
		return model.FinishOther
	default:
		return model.FinishUnknown
	}
}

// =============================================================================
// REQUEST CONVERSION
// =============================================================================

// buildContents splits messages into the system instruction and the
// conversation contents, which must end with a user turn. Reasoning and
// source parts are not sent back; assistant messages with nothing to send
// are skipped.
func buildContents(msgs []model.Message) (*genai.Content, []*genai.Content, error) {
	var system []string
	var contents []*genai.Content

	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if text := m.Text(); text != "" {
				system = append(system, text)
			}
			continue
		case model.RoleUser, model.RoleAssistant:
		default:
			continue
		}

		parts, err := toParts(m)
		if err != nil {
			return nil, nil, err
		}
		if len(parts) == 0 {
			continue
		}
		role := roleUser
		if m.Role == model.RoleAssistant {
			role = roleModel
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	if len(contents) == 0 || contents[len(contents)-1].Role != roleUser {
		return nil, nil, ErrNoPrompt
	}
	var sys *genai.Content
	if len(system) > 0 {
		sys = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}
	return sys, contents, nil
}

func toParts(m model.Message) ([]*genai.Part, error) {
	var parts []*genai.Part
	for _, p := range m.Parts {
		switch p.Type {
		case model.PartText:
			if p.Content != "" {
				parts = append(parts, &genai.Part{Text: p.Content})
			}
		case model.PartFile:
			if !strings.HasPrefix(p.URL, "data:") {
				continue
			}
			mediaType, data, err := model.DecodeDataURI(p.URL)
			if err != nil {
				return nil, fmt.Errorf("message %s: file %s: %w", m.ID, p.Filename, err)
			}
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mediaType, Data: data}})
		}
	}
	return parts, nil
}
