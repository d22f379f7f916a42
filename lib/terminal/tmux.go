// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/vmbridge/lib/tmux"
)

// DefaultHistoryLimit is the tmux scrollback size. Line indices shift
// once scrollback overflows, so it is sized well past a day of typical
// command traffic.
const DefaultHistoryLimit = 200000

// Tmux is a Terminal backed by a session on a dedicated tmux server.
type Tmux struct {
	server  *tmux.Server
	session string
}

// TmuxConfig configures NewTmux.
type TmuxConfig struct {
	// Server is the tmux server to create the session on. Its config
	// file should come from WriteTmuxConfig.
	Server *tmux.Server

	// Session is the session name.
	Session string

	// Shell is the command run in the session. Empty runs tmux's
	// default shell.
	Shell []string

	// Size is the window size.
	Size tmux.Size
}

// WriteTmuxConfig writes the tmux configuration the agent's server
// starts with into directory and returns its path. Options that affect
// new panes must be in place before the first session exists, so they
// go in the file rather than through set-option.
func WriteTmuxConfig(directory string) (string, error) {
	content := strings.Join([]string{
		fmt.Sprintf("set-option -g history-limit %d", DefaultHistoryLimit),
		"set-option -g status off",
		"set-option -g remain-on-exit off",
		"",
	}, "\n")
	path := filepath.Join(directory, "tmux.conf")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("writing tmux config: %w", err)
	}
	return path, nil
}

// NewTmux creates the session and returns a Terminal for it. An
// existing session with the same name is reused.
func NewTmux(config TmuxConfig) (*Tmux, error) {
	if config.Server == nil {
		return nil, fmt.Errorf("tmux terminal: server is required")
	}
	if config.Session == "" {
		return nil, fmt.Errorf("tmux terminal: session name is required")
	}
	if !config.Server.HasSession(config.Session) {
		if err := config.Server.NewSession(config.Session, config.Size, config.Shell...); err != nil {
			return nil, err
		}
	}
	return &Tmux{server: config.Server, session: config.Session}, nil
}

// Send implements Terminal.
func (t *Tmux) Send(ctx context.Context, line string) error {
	return t.server.SendLine(ctx, t.session, line)
}

// Lines implements Terminal. Wrapped lines come back joined.
func (t *Tmux) Lines(ctx context.Context) ([]string, error) {
	captured, err := t.server.CapturePane(ctx, t.session, 0)
	if err != nil {
		return nil, err
	}
	return trimTrailingBlank(strings.Split(captured, "\n")), nil
}

// Alive implements Terminal.
func (t *Tmux) Alive(context.Context) bool {
	return t.server.HasSession(t.session)
}

// Close kills the session.
func (t *Tmux) Close() error {
	return t.server.KillSession(t.session)
}
