// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"github.com/patelvivekdev/ai-sdk-v5/internal/util"
)

// DefaultTitle names sessions that do not open with a user text.
const DefaultTitle = "New Chat"

// MaxTitleWidth bounds derived titles, in display columns.
const MaxTitleWidth = 60

// DeriveTitle names a session after the first text part of its first
// message when that message comes from the user.
func DeriveTitle(msgs []Message) string {
	if len(msgs) == 0 || msgs[0].Role != RoleUser {
		return DefaultTitle
	}
	text, ok := msgs[0].FirstText()
	if !ok {
		return DefaultTitle
	}
	title := util.NormalizeText(text)
	if title == "" {
		return DefaultTitle
	}
	return util.TruncateWidth(title, MaxTitleWidth)
}
