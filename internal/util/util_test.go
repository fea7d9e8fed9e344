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

func TestAtomicWriteFile_CreatesAndOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversations", "conv_1.json")

	if err := AtomicWriteFile(path, []byte("first"), 0600); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWriteFile(path, []byte("second"), 0600); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(content) != "second" {
		t.Errorf("content = %q, want %q", content, "second")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("perm = %o, want 600", perm)
	}
}

func TestAtomicWriteFile_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	for i := 0; i < 3; i++ {
		if err := AtomicWriteFile(path, []byte("{}"), 0600); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the target file, got %d entries", len(entries))
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
		{"bilan", 10, "bilan"},
		{"amortissement", 8, "amort..."},
		{"dégressif", 6, "dég..."},
		{"abc", 0, ""},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := TruncateRunes(tt.in, tt.max); got != tt.want {
			t.Errorf("TruncateRunes(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestTruncateAtWord(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short kept", "Qu'est-ce qu'un bilan ?", "Qu'est-ce qu'un bilan ?"},
		{"word crossing limit kept whole", "Comment fonctionne l'amortissement dégressif ?", "Comment fonctionne l'amortissement..."},
		{"cut on space at limit", "Les provisions pour risques et charges", "Les provisions pour risques et..."},
		{"trailing punctuation dropped", "Quelles sont les écritures de clôture, selon le SYSCOHADA ?", "Quelles sont les écritures de clôture..."},
		{"limit inside last word", "Explique la consolidationdescomptes", "Explique la consolidationdescomptes"},
		{"surrounding space trimmed", "  bilan  ", "bilan"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateAtWord(tt.in, 30); got != tt.want {
				t.Errorf("TruncateAtWord(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTruncateAtWord_LongSingleWord(t *testing.T) {
	in := "aaaaaaaaaabbbbbbbbbbccccccccccddddddddddeeeeeeeeeeffffffffffg"
	want := "aaaaaaaaaabbbbbbbbbbcccccccccc..."
	if got := TruncateAtWord(in, 30); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPadRight(t *testing.T) {
	if got := PadRight("abc", 6); got != "abc   " {
		t.Errorf("PadRight = %q", got)
	}
	if got := PadRight("abcdefghij", 6); StringWidth(got) != 6 {
		t.Errorf("PadRight width = %d, want 6", StringWidth(got))
	}
	if w := StringWidth("会計"); w != 4 {
		t.Errorf("StringWidth = %d, want 4", w)
	}
}
