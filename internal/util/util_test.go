// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"os"
	"path/filepath"
	"testing"
)

// =============================================================================
// ATOMIC WRITE TESTS
// =============================================================================

func TestAtomicWriteFile_Basic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	data := []byte(`{"id":"abc"}`)

	if err := AtomicWriteFile(path, data, 0644); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(content) != string(data) {
		t.Errorf("Content = %q, want %q", content, data)
	}
}

func TestAtomicWriteFile_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions", "nested", "a.json")

	if err := AtomicWriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("File not created: %v", err)
	}
}

func TestAtomicWriteFile_OverwritesAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")

	if err := AtomicWriteFile(path, []byte("first"), 0644); err != nil {
		t.Fatalf("First write failed: %v", err)
	}
	if err := AtomicWriteFile(path, []byte("second"), 0644); err != nil {
		t.Fatalf("Second write failed: %v", err)
	}

	content, _ := os.ReadFile(path)
	if string(content) != "second" {
		t.Errorf("Content = %q, want %q", content, "second")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if IsTempFile(e.Name()) {
			t.Errorf("temp file %q left behind", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}
}

func TestIsTempFile(t *testing.T) {
	if !IsTempFile("/data/" + TempPrefix + "1234") {
		t.Error("IsTempFile should match temp prefix")
	}
	if IsTempFile("/data/abc.json") {
		t.Error("IsTempFile should not match session files")
	}
}

// =============================================================================
// STRING TESTS
// =============================================================================

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello world", 8, "hello..."},
		{"héllo wörld", 8, "héllo..."},
		{"hello", 0, ""},
		{"hello", 2, "he"},
	}
	for _, tc := range tests {
		if got := TruncateRunes(tc.in, tc.max); got != tc.want {
			t.Errorf("TruncateRunes(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}

func TestTruncateWidth(t *testing.T) {
	if got := TruncateWidth("short", 10); got != "short" {
		t.Errorf("TruncateWidth short = %q", got)
	}

	got := TruncateWidth("日本語のタイトル", 9)
	if w := StringWidth(got); w > 9 {
		t.Errorf("TruncateWidth result %q has width %d, want <= 9", got, w)
	}
	if got[len(got)-len(Ellipsis):] != Ellipsis {
		t.Errorf("TruncateWidth result %q should end with ellipsis", got)
	}

	if got := TruncateWidth("anything", 0); got != "" {
		t.Errorf("TruncateWidth zero width = %q, want empty", got)
	}
}

func TestNormalizeText(t *testing.T) {
	// "e" followed by a combining acute accent composes to a single rune.
	in := "  Cafe\u0301\n\tmenu  "
	want := "Caf\u00e9 menu"
	if got := NormalizeText(in); got != want {
		t.Errorf("NormalizeText(%q) = %q, want %q", in, got, want)
	}
}
