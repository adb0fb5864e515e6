// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the chat core packages.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//   - TruncateWidth: display-width truncation for CJK and emoji
//   - NormalizeText: NFC normalisation plus whitespace collapsing
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync
//   - IsTempFile: recognise scratch files left by AtomicWriteFile
//
// # Usage
//
//	title := util.TruncateWidth(util.NormalizeText(input), 60)
//
//	err := util.AtomicWriteFile(path, data, 0644)
package util
