// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
	"github.com/patelvivekdev/ai-sdk-v5/internal/util"
)

// previewWidth bounds SessionMeta.Preview, in display columns.
const previewWidth = 80

// SessionMeta contains metadata for listing sessions.
type SessionMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	MessageCount int       `json:"messageCount"`
	Preview      string    `json:"preview"` // First user message truncated
}

// Summarize builds the listing entry for one session.
func Summarize(s model.ChatSession) SessionMeta {
	title := s.Title
	if title == "" {
		title = model.DeriveTitle(s.Messages)
	}
	return SessionMeta{
		ID:           s.ID,
		Title:        title,
		CreatedAt:    s.CreatedAt,
		MessageCount: s.MessageCount(),
		Preview:      util.TruncateWidth(util.CollapseWhitespace(s.Preview()), previewWidth),
	}
}

// Summaries maps Summarize over sessions, keeping their order.
func Summaries(sessions []model.ChatSession) []SessionMeta {
	metas := make([]SessionMeta, len(sessions))
	for i, s := range sessions {
		metas[i] = Summarize(s)
	}
	return metas
}

// SortNewestFirst orders sessions by CreatedAt descending. Ties are broken
// by id so the order is stable across reads.
func SortNewestFirst(sessions []model.ChatSession) {
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Search returns the sessions whose title or any text part contains query,
// case-insensitively. An empty query matches everything.
func Search(sessions []model.ChatSession, query string) []model.ChatSession {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return sessions
	}

	var results []model.ChatSession
	for _, s := range sessions {
		if strings.Contains(strings.ToLower(s.Title), query) {
			results = append(results, s)
			continue
		}
		for _, msg := range s.Messages {
			if strings.Contains(strings.ToLower(msg.Text()), query) {
				results = append(results, s)
				break // Found a match, move to next session
			}
		}
	}
	return results
}

// FormatSessionList formats sessions for display in a table format.
func FormatSessionList(metas []SessionMeta) string {
	if len(metas) == 0 {
		return "No sessions found."
	}

	var sb strings.Builder
	sb.WriteString("Sessions:\n")
	sb.WriteString("-----------------------------------------------------\n")
	sb.WriteString(pad("ID", 12) + " " + pad("Created", 20) + " " + pad("Messages", 8) + " Title\n")
	sb.WriteString("-----------------------------------------------------\n")

	for _, m := range metas {
		sb.WriteString(pad(util.TruncateRunes(m.ID, 12), 12) + " " +
			pad(m.CreatedAt.Format("2006-01-02 15:04"), 20) + " " +
			pad(strconv.Itoa(m.MessageCount), 8) + " " +
			util.TruncateWidth(m.Title, 30) + "\n")
	}
	return sb.String()
}

// pad pads s with spaces to width display columns.
func pad(s string, width int) string {
	if w := util.StringWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}
