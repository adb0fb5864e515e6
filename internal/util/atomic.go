// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TempPrefix is the name prefix of the scratch files AtomicWriteFile creates
// next to its target. Directory watchers use it to skip half-written files.
const TempPrefix = ".tmp-"

// RELIABILITY: Atomic write with fsync prevents torn session records.
//
// AtomicWriteFile writes data to path so that readers observe either the old
// content or the complete new content, never a partial file:
//  1. write into a temp file in the target directory
//  2. fsync and close it
//  3. rename it over the target
//
// Parent directories are created with 0755 when missing.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	// Same directory keeps the rename on one filesystem.
	f, err := os.CreateTemp(dir, TempPrefix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := f.Name()

	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, perm); err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}
	if err := os.Rename(tempPath, absPath); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}

	committed = true
	return nil
}

// IsTempFile reports whether name is a scratch file left by AtomicWriteFile.
func IsTempFile(name string) bool {
	return strings.HasPrefix(filepath.Base(name), TempPrefix)
}
