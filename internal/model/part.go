// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PartType discriminates the variants of Part.
type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartFile      PartType = "file"
	PartSource    PartType = "source"
)

// Part is one typed fragment of a message. Type selects which fields are
// meaningful:
//
//	text      Content
//	reasoning Segments
//	file      Filename, MediaType, URL (URL may be a data URI)
//	source    SourceID, URL, Title
type Part struct {
	Type PartType `json:"type"`

	Content  string   `json:"content,omitempty"`
	Segments []string `json:"segments,omitempty"`

	Filename  string `json:"filename,omitempty"`
	MediaType string `json:"mediaType,omitempty"`

	SourceID string `json:"id,omitempty"`
	Title    string `json:"title,omitempty"`

	URL string `json:"url,omitempty"`
}

// TextPart returns a text part.
func TextPart(content string) Part {
	return Part{Type: PartText, Content: content}
}

// ReasoningPart returns a reasoning part holding the given segments.
// Reasoning parts always carry a non-nil segment list.
func ReasoningPart(segments ...string) Part {
	return Part{Type: PartReasoning, Segments: append([]string{}, segments...)}
}

// FileRefPart returns a file part referencing url.
func FileRefPart(filename, mediaType, url string) Part {
	return Part{Type: PartFile, Filename: filename, MediaType: mediaType, URL: url}
}

// SourcePart returns a citation part.
func SourcePart(id, url, title string) Part {
	return Part{Type: PartSource, SourceID: id, URL: url, Title: title}
}

// Reasoning joins the reasoning segments with newlines.
func (p Part) Reasoning() string {
	return strings.Join(p.Segments, "\n")
}

// Validate checks that the fields required by the part's type are present.
func (p Part) Validate() error {
	switch p.Type {
	case PartText, PartReasoning:
		return nil
	case PartFile:
		if p.MediaType == "" || p.URL == "" {
			return fmt.Errorf("file part %q: media type and url are required", p.Filename)
		}
		return nil
	case PartSource:
		if p.URL == "" {
			return fmt.Errorf("source part %q: url is required", p.SourceID)
		}
		return nil
	default:
		return fmt.Errorf("unknown part type %q", p.Type)
	}
}

// Clone returns a copy of p that does not share the segments slice.
func (p Part) Clone() Part {
	if p.Segments != nil {
		p.Segments = append(make([]string, 0, len(p.Segments)), p.Segments...)
	}
	return p
}

// UnmarshalJSON decodes a part. An empty reasoning part comes back with an
// empty segment list, matching ReasoningPart.
func (p *Part) UnmarshalJSON(data []byte) error {
	type plain Part
	if err := json.Unmarshal(data, (*plain)(p)); err != nil {
		return err
	}
	if p.Type == PartReasoning && p.Segments == nil {
		p.Segments = []string{}
	}
	return nil
}
