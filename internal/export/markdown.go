// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports sessions to Markdown.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// Export converts a session to Markdown.
func (e *MarkdownExporter) Export(sess *model.ChatSession) ([]byte, error) {
	if sess == nil {
		return nil, ErrNilSession
	}
	if len(sess.Messages) == 0 {
		return nil, fmt.Errorf("session has no messages")
	}

	title := sess.Title
	if title == "" {
		title = model.DefaultTitle
	}

	var sb strings.Builder

	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		sb.WriteString(fmt.Sprintf("title: %s\n", escapeYAML(title)))
		sb.WriteString(fmt.Sprintf("session: %s\n", sess.ID))
		sb.WriteString(fmt.Sprintf("date: %s\n", sess.CreatedAt.Format(time.RFC3339)))
		sb.WriteString(fmt.Sprintf("messages: %d\n", len(sess.Messages)))
		sb.WriteString(fmt.Sprintf("exported: %s\n", e.options.now().Format(time.RFC3339)))
		sb.WriteString("---\n\n")
	}

	sb.WriteString(fmt.Sprintf("# %s\n\n", escapeMarkdown(title)))

	for i, msg := range sess.Messages {
		sb.WriteString(fmt.Sprintf("### %s\n\n", msg.Role.DisplayName()))
		sb.WriteString(e.formatParts(msg))

		if msg.Role == model.RoleAssistant && e.options.IncludeMetadata {
			if stats := formatMessageStats(msg.Metadata); stats != "" {
				sb.WriteString(stats)
				sb.WriteString("\n\n")
			}
		}

		if i < len(sess.Messages)-1 {
			sb.WriteString("---\n\n")
		}
	}

	return []byte(strings.TrimRight(sb.String(), "\n") + "\n"), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// MimeType returns the MIME type for Markdown.
func (e *MarkdownExporter) MimeType() string {
	return "text/markdown"
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

// formatParts renders parts in order. Sources are collected into a list
// after the content.
func (e *MarkdownExporter) formatParts(msg model.Message) string {
	var sb strings.Builder
	var sources []model.Part

	for _, p := range msg.Parts {
		switch p.Type {
		case model.PartText:
			if text := strings.TrimSpace(p.Content); text != "" {
				sb.WriteString(text)
				sb.WriteString("\n\n")
			}
		case model.PartReasoning:
			if !e.options.IncludeReasoning {
				continue
			}
			sb.WriteString("<details><summary>Reasoning</summary>\n\n")
			sb.WriteString(strings.TrimSpace(p.Reasoning()))
			sb.WriteString("\n\n</details>\n\n")
		case model.PartFile:
			name := p.Filename
			if name == "" {
				name = p.MediaType
			}
			sb.WriteString(fmt.Sprintf("*Attachment: %s (%s)*\n\n", escapeMarkdown(name), p.MediaType))
		case model.PartSource:
			sources = append(sources, p)
		}
	}

	if len(sources) > 0 {
		sb.WriteString("**Sources**\n\n")
		for _, s := range sources {
			label := s.Title
			if label == "" {
				label = s.URL
			}
			sb.WriteString(fmt.Sprintf("- [%s](%s)\n", escapeMarkdown(label), s.URL))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// formatMessageStats formats response metadata.
func formatMessageStats(md *model.ResponseMetadata) string {
	if md == nil {
		return ""
	}

	var parts []string
	if md.Model != "" {
		parts = append(parts, "Model: "+md.Model)
	}
	if md.TotalTokens > 0 {
		parts = append(parts, fmt.Sprintf("Tokens: %d", md.TotalTokens))
	}
	if md.Duration > 0 {
		parts = append(parts, fmt.Sprintf("Duration: %.2fs", md.Duration))
	}
	if md.FinishReason != "" && md.FinishReason != model.FinishStop {
		parts = append(parts, "Finish: "+string(md.FinishReason))
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("<sub>%s</sub>", strings.Join(parts, " | "))
}

// =============================================================================
// ESCAPING HELPERS
// =============================================================================

// escapeMarkdown escapes characters that break headings and link labels.
func escapeMarkdown(s string) string {
	s = strings.ReplaceAll(s, "#", "\\#")
	s = strings.ReplaceAll(s, "*", "\\*")
	s = strings.ReplaceAll(s, "_", "\\_")
	s = strings.ReplaceAll(s, "[", "\\[")
	s = strings.ReplaceAll(s, "]", "\\]")
	return s
}

// escapeYAML quotes frontmatter values containing special characters.
func escapeYAML(s string) string {
	if strings.ContainsAny(s, ":#|>@`\"'[]{}!%&*\n\r\\") || strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ") {
		s = strings.ReplaceAll(s, "\\", "\\\\")
		s = strings.ReplaceAll(s, "\"", "\\\"")
		s = strings.ReplaceAll(s, "\n", "\\n")
		s = strings.ReplaceAll(s, "\r", "\\r")
		return fmt.Sprintf("\"%s\"", s)
	}
	return s
}
