// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"strings"
	"unicode"

	"github.com/mattn/go-runewidth"
)

// Ellipsis is appended to truncated text.
const Ellipsis = "..."

// TruncateRunes truncates s to at most maxRunes characters, ellipsis
// included. Counts runes, not bytes, so accented text is never split.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= len(Ellipsis) {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-len(Ellipsis)]) + Ellipsis
}

// TruncateAtWord shortens s to about maxRunes characters without splitting
// a word: the word that crosses the limit is kept whole and Ellipsis is
// appended. A single word longer than twice the limit is cut hard.
//
//	TruncateAtWord("Comment fonctionne l'amortissement dégressif ?", 30)
//	// "Comment fonctionne l'amortissement..."
func TruncateAtWord(s string, maxRunes int) string {
	s = strings.TrimSpace(s)
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}

	cut := -1
	for i := maxRunes; i < len(runes); i++ {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}

	switch {
	case cut < 0 && len(runes) <= 2*maxRunes:
		// The limit falls inside the last word: nothing to drop.
		return s
	case cut < 0 || cut > 2*maxRunes:
		return string(runes[:maxRunes]) + Ellipsis
	}

	head := strings.TrimRightFunc(string(runes[:cut]), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) && r != '\'' && r != '’'
	})
	return head + Ellipsis
}

// StringWidth returns the number of terminal columns s occupies.
func StringWidth(s string) int {
	return runewidth.StringWidth(s)
}

// TruncateWidth truncates s to maxWidth columns, ellipsis included.
func TruncateWidth(s string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	return runewidth.Truncate(s, maxWidth, Ellipsis)
}

// PadRight truncates or pads s with spaces to exactly width columns.
func PadRight(s string, width int) string {
	return runewidth.FillRight(TruncateWidth(s, width), width)
}
