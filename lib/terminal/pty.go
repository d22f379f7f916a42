// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/bureau-foundation/vmbridge/lib/netutil"
)

// Defaults for the PTY backend.
const (
	DefaultColumns = 500
	DefaultRows    = 50

	// defaultMaxLines bounds the retained output. Once exceeded the
	// oldest half is dropped and Window's first index advances.
	defaultMaxLines = 200000
)

// PTYConfig configures NewPTY.
type PTYConfig struct {
	// Shell is the program and arguments to run. Required.
	Shell []string

	// Env is the child's environment. Nil inherits the agent's, with
	// TERM forced to "dumb" so line editors stay out of the way.
	Env []string

	Columns int
	Rows    int

	// MaxLines bounds retained output lines. Zero uses the default.
	MaxLines int

	Logger *slog.Logger
}

// PTY is a Terminal that owns a pseudo-terminal. Output is read
// continuously and rendered into lines as it arrives.
type PTY struct {
	command  *exec.Cmd
	master   *os.File
	logger   *slog.Logger
	maxLines int

	mu      sync.Mutex
	lines   []string
	partial []byte
	dropped int

	exited chan struct{}
	closed sync.Once
}

// NewPTY starts config.Shell on a new pseudo-terminal.
func NewPTY(config PTYConfig) (*PTY, error) {
	if len(config.Shell) == 0 {
		return nil, fmt.Errorf("pty terminal: shell is required")
	}
	if config.Logger == nil {
		panic("terminal: PTYConfig.Logger is required")
	}
	columns, rows := config.Columns, config.Rows
	if columns <= 0 {
		columns = DefaultColumns
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	maxLines := config.MaxLines
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}

	command := exec.Command(config.Shell[0], config.Shell[1:]...)
	command.Env = config.Env
	if command.Env == nil {
		command.Env = append(os.Environ(), "TERM=dumb")
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("opening pty: %w", err)
	}
	defer slave.Close()

	if err := pty.Setsize(master, &pty.Winsize{Cols: uint16(columns), Rows: uint16(rows)}); err != nil {
		master.Close()
		return nil, fmt.Errorf("sizing pty: %w", err)
	}

	command.Stdin = slave
	command.Stdout = slave
	command.Stderr = slave
	// The shell leads its own session with the pty as controlling
	// terminal (child fd 0), so job control and ^C behave as on a
	// console.
	command.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 0}

	if err := command.Start(); err != nil {
		master.Close()
		return nil, fmt.Errorf("starting %s: %w", config.Shell[0], err)
	}

	terminal := &PTY{
		command:  command,
		master:   master,
		logger:   config.Logger,
		maxLines: maxLines,
		exited:   make(chan struct{}),
	}
	go terminal.readLoop()
	go func() {
		command.Wait()
		close(terminal.exited)
	}()
	return terminal, nil
}

func (t *PTY) readLoop() {
	buffer := make([]byte, 32*1024)
	for {
		n, err := t.master.Read(buffer)
		if n > 0 {
			t.append(buffer[:n])
		}
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				t.logger.Warn("pty read failed", "error", err)
			}
			return
		}
	}
}

func (t *PTY) append(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.partial = append(t.partial, data...)
	for {
		index := bytes.IndexByte(t.partial, '\n')
		if index < 0 {
			break
		}
		t.lines = append(t.lines, renderLine(string(t.partial[:index])))
		t.partial = t.partial[index+1:]
	}
	if len(t.lines) > t.maxLines {
		drop := len(t.lines) - t.maxLines/2
		t.lines = append([]string(nil), t.lines[drop:]...)
		t.dropped += drop
	}
	// Compact so the backing array does not grow with consumed bytes.
	t.partial = append([]byte(nil), t.partial...)
}

// Send implements Terminal. A carriage return submits the line, as the
// Enter key does on a console.
func (t *PTY) Send(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.exited:
		return errors.New("pty terminal: shell has exited")
	default:
	}
	if _, err := t.master.Write([]byte(line + "\r")); err != nil {
		return fmt.Errorf("writing to pty: %w", err)
	}
	return nil
}

// Lines implements Terminal. The unterminated last line, usually the
// prompt, is included.
func (t *PTY) Lines(ctx context.Context) ([]string, error) {
	lines, _, err := t.Window(ctx)
	return lines, err
}

// Window implements Windowed. first counts the lines dropped once the
// buffer exceeded MaxLines.
func (t *PTY) Window(context.Context) ([]string, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lines := make([]string, len(t.lines), len(t.lines)+1)
	copy(lines, t.lines)
	if len(t.partial) > 0 {
		lines = append(lines, renderLine(string(t.partial)))
	}
	return trimTrailingBlank(lines), t.dropped, nil
}

// Alive implements Terminal.
func (t *PTY) Alive(context.Context) bool {
	select {
	case <-t.exited:
		return false
	default:
		return true
	}
}

// Exited is closed once the shell process has exited.
func (t *PTY) Exited() <-chan struct{} {
	return t.exited
}

// Close hangs up the terminal and kills the shell if it outlives the
// hangup.
func (t *PTY) Close() error {
	var closeErr error
	t.closed.Do(func() {
		closeErr = t.master.Close()
		if t.Alive(context.Background()) {
			t.command.Process.Signal(syscall.SIGHUP)
		}
	})
	return closeErr
}
