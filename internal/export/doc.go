// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders persisted chat sessions to files.
//
// # Key Types
//
//   - Exporter: converts a session to one format
//   - MarkdownExporter: human-readable transcript with optional frontmatter
//   - JSONExporter: the persisted session record, indented
//   - YAMLExporter: the same record as YAML
//   - Options: output directory and Markdown content switches
//
// # Usage
//
//	exp, err := export.For("markdown", export.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	path, err := export.ExportToFile(&sess, exp, nil)
package export
