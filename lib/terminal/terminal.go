// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package terminal drives the interactive shell that VM commands run
// in.
//
// A [Terminal] accepts typed lines and exposes the rendered screen and
// scrollback as a slice of lines. Line indices are stable while the
// shell runs, so a caller can snapshot the line count, send a command,
// and look only at lines that appeared afterwards. Two backends exist:
// [Tmux], which runs the shell inside a dedicated tmux server and reads
// it with capture-pane, and [PTY], which owns a pseudo-terminal
// directly and renders its output stream.
package terminal

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/bureau-foundation/vmbridge/lib/clock"
)

// Terminal is an interactive shell session.
type Terminal interface {
	// Send types line into the shell and presses Enter.
	Send(ctx context.Context, line string) error

	// Lines returns the scrollback followed by the visible screen, one
	// entry per logical line, without trailing blank lines.
	Lines(ctx context.Context) ([]string, error)

	// Alive reports whether the shell is still running.
	Alive(ctx context.Context) bool

	// Close stops the shell and releases the session.
	Close() error
}

// Windowed is implemented by terminals that discard their oldest lines.
// Window returns the retained lines and the absolute index of the
// first one, counted from the start of the session.
type Windowed interface {
	Window(ctx context.Context) (lines []string, first int, err error)
}

// Window returns term's lines and the absolute index of the first.
// Terminals that never discard lines report zero.
func Window(ctx context.Context, term Terminal) ([]string, int, error) {
	if windowed, ok := term.(Windowed); ok {
		return windowed.Window(ctx)
	}
	lines, err := term.Lines(ctx)
	return lines, 0, err
}

// PromptPatterns are substrings whose presence in the terminal means a
// shell has finished starting.
var PromptPatterns = []string{"user@", "$ ", "# ", "bash"}

// Prompt wait defaults.
const (
	DefaultPromptTimeout  = 90 * time.Second
	DefaultPromptInterval = time.Second
	promptProgressEvery   = 15
)

// PromptWait configures WaitForPrompt.
type PromptWait struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Timeout  time.Duration
	Interval time.Duration
}

// WaitForPrompt polls term until one of PromptPatterns appears, the
// timeout elapses, or ctx ends. It returns true when a prompt was seen.
// A timeout is not an error: a shell with an unusual prompt still runs
// commands, so the caller logs and carries on. Progress is logged every
// fifteen polls.
func WaitForPrompt(ctx context.Context, term Terminal, wait PromptWait) (bool, error) {
	if wait.Timeout <= 0 {
		wait.Timeout = DefaultPromptTimeout
	}
	if wait.Interval <= 0 {
		wait.Interval = DefaultPromptInterval
	}
	attempts := int(wait.Timeout / wait.Interval)

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := clock.SleepContext(ctx, wait.Clock, wait.Interval); err != nil {
			return false, err
		}
		lines, err := term.Lines(ctx)
		if err == nil && containsPrompt(lines) {
			wait.Logger.Info("shell prompt detected", "waited", time.Duration(attempt)*wait.Interval)
			return true, nil
		}
		if attempt%promptProgressEvery == 0 {
			wait.Logger.Info("still waiting for shell prompt", "waited", time.Duration(attempt)*wait.Interval)
		}
	}
	wait.Logger.Warn("no shell prompt seen, continuing anyway", "timeout", wait.Timeout)
	return false, nil
}

func containsPrompt(lines []string) bool {
	content := strings.Join(lines, "\n")
	for _, pattern := range PromptPatterns {
		if strings.Contains(content, pattern) {
			return true
		}
	}
	return false
}

// renderLine reduces one raw terminal line to what a screen shows.
// Escape sequences, including private modes such as bracketed paste,
// are removed with a full parser. A carriage return moves back to the
// first column so later text overwrites earlier text, and backspace
// moves one column left.
func renderLine(raw string) string {
	if !strings.ContainsAny(raw, "\r\b") {
		return ansi.Strip(raw)
	}

	var cells []rune
	for segment := range strings.SplitSeq(raw, "\r") {
		column := 0
		for _, r := range ansi.Strip(segment) {
			if r == '\b' {
				if column > 0 {
					column--
				}
				continue
			}
			if column < len(cells) {
				cells[column] = r
			} else {
				cells = append(cells, r)
			}
			column++
		}
	}
	return string(cells)
}

// trimTrailingBlank drops empty lines from the end of lines.
func trimTrailingBlank(lines []string) []string {
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return lines[:end]
}
