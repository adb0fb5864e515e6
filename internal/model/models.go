// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"fmt"
)

// =============================================================================
// MODEL OPTION TYPE
// =============================================================================

// ModelOption describes one selectable model and its capability flags.
type ModelOption struct {
	// ID is the model identifier sent as selectedModel.
	ID string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Vision enables file attachments.
	Vision bool `json:"vision"`

	// Reasoning marks models that emit a thinking trace.
	Reasoning bool `json:"reasoning"`

	// Search marks models with search grounding.
	Search bool `json:"search"`
}

// =============================================================================
// BUILT-IN TABLE
// =============================================================================

// DefaultModelID is the entry Resolve falls back to.
const DefaultModelID = "gemini-2.0-flash"

// builtinModels is the declared model table. Order matters: Resolve picks
// the first entry that matches the toggle state.
var builtinModels = []ModelOption{
	{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", Vision: true},
	{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", Vision: true},
	{ID: "gemini-2.0-search", Name: "Gemini 2.0 Flash", Vision: true, Search: true},
	{ID: "gemini-2.5-search", Name: "Gemini 2.5 Flash", Vision: true, Search: true},
	{ID: "gemini-2.5-flash-search-thinking", Name: "Gemini 2.5 Flash", Vision: true, Reasoning: true, Search: true},
	{ID: "gemini-2.5-pro-search-thinking", Name: "Gemini 2.5 Pro", Vision: true, Reasoning: true, Search: true},
	{ID: "gemini-2.5-thinking", Name: "Gemini 2.5 Flash", Vision: true, Reasoning: true},
	{ID: "gemini-2.5-pro-thinking", Name: "Gemini 2.5 Pro", Vision: true, Reasoning: true},
}

// Builtin is the registry used when no custom table is configured.
var Builtin = MustRegistry(DefaultModelID, builtinModels...)

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is an immutable, ordered table of model options.
type Registry struct {
	options   []ModelOption
	byID      map[string]int
	defaultID string
}

// NewRegistry builds a registry from options in declaration order. The
// default entry must be present and have both search and reasoning off.
func NewRegistry(defaultID string, options ...ModelOption) (*Registry, error) {
	if len(options) == 0 {
		return nil, errors.New("registry needs at least one model")
	}

	r := &Registry{
		options:   append([]ModelOption(nil), options...),
		byID:      make(map[string]int, len(options)),
		defaultID: defaultID,
	}
	for i, opt := range r.options {
		if opt.ID == "" {
			return nil, fmt.Errorf("model at index %d has no id", i)
		}
		if _, dup := r.byID[opt.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", opt.ID)
		}
		r.byID[opt.ID] = i
	}

	def, ok := r.ByID(defaultID)
	if !ok {
		return nil, fmt.Errorf("default model %q is not in the table", defaultID)
	}
	if def.Search || def.Reasoning {
		return nil, fmt.Errorf("default model %q must have search and reasoning off", defaultID)
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on an invalid table.
func MustRegistry(defaultID string, options ...ModelOption) *Registry {
	r, err := NewRegistry(defaultID, options...)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve selects the model for the current toggle state: the first entry
// whose Search and Reasoning flags equal the toggles, or the default entry
// when nothing matches.
func (r *Registry) Resolve(search, reasoning bool) ModelOption {
	for _, opt := range r.options {
		if opt.Search == search && opt.Reasoning == reasoning {
			return opt
		}
	}
	return r.Default()
}

// ByID looks up a model by identifier.
func (r *Registry) ByID(id string) (ModelOption, bool) {
	i, ok := r.byID[id]
	if !ok {
		return ModelOption{}, false
	}
	return r.options[i], true
}

// Default returns the fallback entry.
func (r *Registry) Default() ModelOption {
	return r.options[r.byID[r.defaultID]]
}

// All returns a copy of the table in declaration order.
func (r *Registry) All() []ModelOption {
	return append([]ModelOption(nil), r.options...)
}

// DisplayName returns the model's name, or the id itself for models that
// are no longer in the table.
func (r *Registry) DisplayName(id string) string {
	if opt, ok := r.ByID(id); ok {
		return opt.Name
	}
	return id
}

// SupportsAttachments reports whether the model accepts file parts.
// Unknown models do not.
func (r *Registry) SupportsAttachments(id string) bool {
	opt, ok := r.ByID(id)
	return ok && opt.Vision
}

// Resolve resolves against the built-in table.
func Resolve(search, reasoning bool) ModelOption {
	return Builtin.Resolve(search, reasoning)
}

// ByID looks up a model in the built-in table.
func ByID(id string) (ModelOption, bool) {
	return Builtin.ByID(id)
}
