// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// terminal.go - Terminal detection for comptax.
//
// Colors and markdown are only used on an interactive stdout. NO_COLOR and
// FORCE_COLOR are respected.
package cli

import (
	"os"
	"sync"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// =============================================================================
// TTY DETECTION
// =============================================================================

// IsTTY returns true if stdin is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// IsStdoutTTY returns true if stdout is a terminal.
func IsStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// IsStderrTTY returns true if stderr is a terminal.
func IsStderrTTY() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// =============================================================================
// TERMINAL WIDTH
// =============================================================================

const (
	// DefaultTerminalWidth is the fallback width when detection fails
	DefaultTerminalWidth = 80

	// MinTerminalWidth is the minimum width we'll use for wrapping
	MinTerminalWidth = 40

	// MaxRenderWidth caps markdown wrapping on very wide terminals.
	MaxRenderWidth = 120
)

// TerminalWidth returns the stdout width clamped to a readable range.
func TerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return DefaultTerminalWidth
	}
	return max(MinTerminalWidth, min(width, MaxRenderWidth))
}

// =============================================================================
// COLOR SUPPORT
// =============================================================================

var (
	colorOnce    sync.Once
	colorProfile termenv.Profile
)

// ColorProfile returns the color profile for stdout. NO_COLOR forces plain
// ASCII; FORCE_COLOR forces ANSI256 even when piped.
func ColorProfile() termenv.Profile {
	colorOnce.Do(func() {
		switch {
		case os.Getenv("NO_COLOR") != "":
			colorProfile = termenv.Ascii
		case os.Getenv("FORCE_COLOR") != "":
			colorProfile = termenv.ANSI256
		case !IsStdoutTTY():
			colorProfile = termenv.Ascii
		default:
			colorProfile = termenv.NewOutput(os.Stdout).EnvColorProfile()
		}
	})
	return colorProfile
}

// ColorsEnabled reports whether styled output is in use.
func ColorsEnabled() bool {
	return ColorProfile() != termenv.Ascii
}
