// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// terminal.go - Terminal detection, hidden input and width-aware text.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
)

// ErrNotInteractive is returned when a prompt needs a terminal and stdin is
// not one.
var ErrNotInteractive = errors.New("stdin is not a terminal")

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

// =============================================================================
// TERMINAL WIDTH
// =============================================================================

const (
	// DefaultTerminalWidth is the fallback width when detection fails
	DefaultTerminalWidth = 80

	// MinTerminalWidth is the minimum width used for layout
	MinTerminalWidth = 40
)

// GetTerminalWidth returns the current terminal width.
func GetTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return DefaultTerminalWidth
	}
	if width < MinTerminalWidth {
		return MinTerminalWidth
	}
	return width
}

// =============================================================================
// HIDDEN INPUT
// =============================================================================

// ReadPasscode prompts on stderr and reads a line without echo.
func ReadPasscode(ctx context.Context, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNotInteractive
	}

	type result struct {
		b   []byte
		err error
	}
	ch := make(chan result, 1)

	fmt.Fprint(os.Stderr, prompt)
	go func() {
		b, err := term.ReadPassword(fd)
		ch <- result{b, err}
	}()

	select {
	case r := <-ch:
		fmt.Fprintln(os.Stderr)
		if r.err != nil {
			return "", r.err
		}
		return strings.TrimSpace(string(r.b)), nil
	case <-ctx.Done():
		// ReadPassword keeps the terminal until the user presses enter.
		fmt.Fprintln(os.Stderr)
		return "", ctx.Err()
	}
}

// =============================================================================
// DISPLAY WIDTH
// =============================================================================

// truncateDisplay shortens s to width terminal cells, appending "...".
// Newlines are flattened to spaces.
func truncateDisplay(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if width <= 0 {
		return ""
	}
	return runewidth.Truncate(s, width, "...")
}

// padDisplay pads s with spaces to width terminal cells.
func padDisplay(s string, width int) string {
	return runewidth.FillRight(runewidth.Truncate(s, width, "..."), width)
}
