// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package marker frames commands sent through an interactive terminal
// so their output can be recovered from the terminal's line buffer.
//
// A terminal offers no request/response framing: the buffer holds the
// shell prompt, the echoed input line, the command's output, and
// whatever else the session prints. [Sentinel] wraps each command
// between two echo statements whose arguments are derived from the
// command id:
//
//	echo "__WVM_START_cmd_1__"; whoami; echo "__WVM_END_cmd_1__"
//
// The echoed input line contains both markers as substrings, but only
// the output of the echo statements consists of a marker and nothing
// else. Scanning therefore matches on exact equality of the trimmed
// line and never on substring containment.
//
// Lines are matched individually. A marker the terminal wrapped across
// two buffer lines is not recognised, so terminal backends must either
// join wrapped lines (tmux capture-pane -J) or never wrap (a raw PTY
// stream split on newlines).
package marker

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

const (
	// TimeoutOutput is reported as a command's output when its end
	// marker never appears within the scan budget.
	TimeoutOutput = "[Timeout] Marker not found"

	// TimeoutError is reported as a command's error alongside
	// TimeoutOutput.
	TimeoutError = "Timeout"

	// DefaultPrefix opens every marker produced by a zero Sentinel.
	DefaultPrefix = "__WVM_"
)

// Codec converts commands into terminal input lines and recovers their
// output from captured terminal lines.
type Codec interface {
	// Wrap returns the single input line (without trailing newline)
	// that runs command framed by markers derived from commandID.
	Wrap(commandID, command string) string

	// Scan searches lines from startIndex for the command's start
	// and end markers. Either index is -1 when not found. A non-negative
	// end means the command has finished.
	Scan(commandID string, lines []string, startIndex int) (start, end int)

	// Extract returns the output between start and end, exclusive,
	// with terminal escape sequences removed.
	Extract(lines []string, start, end int) string
}

// Sentinel is the echo-marker Codec. The zero value uses
// DefaultPrefix.
type Sentinel struct {
	// Prefix replaces DefaultPrefix when set.
	Prefix string
}

func (s Sentinel) prefix() string {
	if s.Prefix == "" {
		return DefaultPrefix
	}
	return s.Prefix
}

// StartMarker returns the line printed before the command runs.
func (s Sentinel) StartMarker(commandID string) string {
	return s.prefix() + "START_" + commandID + "__"
}

// EndMarker returns the line printed after the command finishes.
func (s Sentinel) EndMarker(commandID string) string {
	return s.prefix() + "END_" + commandID + "__"
}

// Wrap implements Codec.
func (s Sentinel) Wrap(commandID, command string) string {
	return `echo "` + s.StartMarker(commandID) + `"; ` + command + `; echo "` + s.EndMarker(commandID) + `"`
}

// Scan implements Codec. The first exact start marker at or after
// startIndex is taken; the end marker must follow it. When the start
// marker has scrolled out of the buffer, the first end marker found is
// still reported so the command resolves (with empty output).
func (s Sentinel) Scan(commandID string, lines []string, startIndex int) (start, end int) {
	startMarker := s.StartMarker(commandID)
	endMarker := s.EndMarker(commandID)

	start, end = -1, -1
	if startIndex < 0 {
		startIndex = 0
	}
	for index := startIndex; index < len(lines); index++ {
		line := strings.TrimSpace(lines[index])
		switch {
		case start < 0 && line == startMarker:
			start = index
		case line == endMarker:
			return start, index
		}
	}
	return start, -1
}

// Extract implements Codec. Returns "" when start was never found or
// the range is empty.
func (s Sentinel) Extract(lines []string, start, end int) string {
	if start < 0 || end <= start+1 || end > len(lines) {
		return ""
	}
	captured := make([]string, 0, end-start-1)
	for _, line := range lines[start+1 : end] {
		captured = append(captured, strings.TrimRight(line, " \t\r"))
	}
	return StripANSI(strings.Join(captured, "\n"))
}

var (
	csiPattern = regexp.MustCompile(`\x1b\[[\d;]*[a-zA-Z]`)
	sgrPattern = regexp.MustCompile(`\x1b\[.*?m`)
)

// StripANSI removes CSI sequences (cursor movement, erase, colour) and
// any other escape sequences the terminal left in captured text.
func StripANSI(text string) string {
	text = csiPattern.ReplaceAllString(text, "")
	text = sgrPattern.ReplaceAllString(text, "")
	if strings.IndexByte(text, '\x1b') >= 0 {
		text = ansi.Strip(text)
	}
	return text
}
