// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
)

// Fake is an in-memory Terminal for tests. Each Send echoes the line
// after the prompt, as a real terminal does, then appends the output
// its responder returns followed by a fresh prompt, unless the
// responder reports the command as still running.
type Fake struct {
	// Prompt is printed before input lines.
	Prompt string

	mu      sync.Mutex
	lines   []string
	sent    []string
	respond Responder
	closed  bool
	sendErr error
	dropped int
}

// Responder produces a Fake's output for one input line. running
// reports that the command has not finished, so no prompt follows.
type Responder func(line string) (output []string, running bool)

// NewFake returns a Fake showing prompt. respond may be nil, in which
// case sent lines produce no output.
func NewFake(prompt string, respond Responder) *Fake {
	return &Fake{Prompt: prompt, lines: []string{prompt}, respond: respond}
}

// Send implements Terminal.
func (f *Fake) Send(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("fake terminal closed")
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, line)
	f.lines[len(f.lines)-1] += line
	if f.respond != nil {
		output, running := f.respond(line)
		f.lines = append(f.lines, output...)
		if running {
			return nil
		}
	}
	f.lines = append(f.lines, f.Prompt)
	return nil
}

// Lines implements Terminal.
func (f *Fake) Lines(ctx context.Context) ([]string, error) {
	lines, _, err := f.Window(ctx)
	return lines, err
}

// Window implements Windowed.
func (f *Fake) Window(ctx context.Context) ([]string, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return trimTrailingBlank(append([]string(nil), f.lines...)), f.dropped, nil
}

// Alive implements Terminal.
func (f *Fake) Alive(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

// Close implements Terminal.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Print appends output lines as if a background process wrote them.
func (f *Fake) Print(lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, lines...)
}

// Discard drops the oldest n lines, as a bounded scrollback does.
func (f *Fake) Discard(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n = min(n, len(f.lines)-1)
	f.lines = append([]string(nil), f.lines[n:]...)
	f.dropped += n
}

// Sent returns every line passed to Send.
func (f *Fake) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// FailSends makes subsequent Send calls return err. Nil restores
// normal behavior.
func (f *Fake) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

var wrappedCommand = regexp.MustCompile(`^echo "([^"]+)"; (.*); echo "([^"]+)"$`)

// MarkerShell returns a Fake responder that behaves like a shell for
// marker-wrapped lines: it prints the start marker, run's output, and
// the end marker. Lines of any other shape produce run's output alone.
func MarkerShell(run func(command string) string) Responder {
	return func(line string) ([]string, bool) {
		match := wrappedCommand.FindStringSubmatch(line)
		if match == nil {
			return splitOutput(run(line)), false
		}
		lines := []string{match[1]}
		lines = append(lines, splitOutput(run(match[2]))...)
		return append(lines, match[3]), false
	}
}

// HangingShell is like MarkerShell but the command never finishes: no
// end marker and no prompt follow its output.
func HangingShell(run func(command string) string) Responder {
	return func(line string) ([]string, bool) {
		match := wrappedCommand.FindStringSubmatch(line)
		if match == nil {
			return splitOutput(run(line)), true
		}
		return append([]string{match[1]}, splitOutput(run(match[2]))...), true
	}
}

func splitOutput(output string) []string {
	if output == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(output, "\n"), "\n")
}
