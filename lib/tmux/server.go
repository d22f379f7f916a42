// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tmux provides a typed interface to tmux servers. The vmbridge
// agent runs the VM's shell inside its own dedicated tmux server
// (distinct from the user's personal tmux) and drives it with
// send-keys and capture-pane. All operations target a specific server
// socket: there is no default server, and the user's ~/.tmux.conf is
// never loaded unless explicitly requested.
//
// The central type is Server, which represents a tmux server identified
// by its Unix socket path. All tmux commands go through Server, which
// injects the -S flag automatically.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Server represents a tmux server identified by its Unix socket path.
type Server struct {
	socketPath string
	configFile string // passed as "-f <path>" on new-session; empty = tmux default
}

// Size is a session's window size. Zero fields leave tmux's default.
type Size struct {
	Columns int
	Rows    int
}

// NewServer returns a Server that targets the given socket path.
//
// configFile controls which configuration file tmux loads when the
// server starts (on the first new-session call). Pass "/dev/null" to
// keep the user's ~/.tmux.conf out of the agent's terminal: a custom
// prompt or key table there can break marker scanning.
func NewServer(socketPath, configFile string) *Server {
	return &Server{
		socketPath: socketPath,
		configFile: configFile,
	}
}

// SocketPath returns the Unix socket path that identifies this server.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// NewSession creates a detached tmux session on this server. If command
// is non-empty, the session runs that command instead of the default
// shell.
//
// The -f flag (config file) is passed on new-session because this
// command may start the server. Once the server is running,
// subsequent commands don't re-read the config file.
func (s *Server) NewSession(sessionName string, size Size, command ...string) error {
	args := s.newSessionArgs(sessionName, size)
	args = append(args, command...)
	cmd := exec.Command("tmux", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux new-session %q: %w (%s)",
			sessionName, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// newSessionArgs builds the argument list for a new-session command,
// including -f (config), -S (socket), -d -s (detached, named), and the
// window size.
func (s *Server) newSessionArgs(sessionName string, size Size) []string {
	var args []string
	if s.configFile != "" {
		args = append(args, "-f", s.configFile)
	}
	args = append(args, "-S", s.socketPath, "new-session", "-d", "-s", sessionName)
	if size.Columns > 0 {
		args = append(args, "-x", strconv.Itoa(size.Columns))
	}
	if size.Rows > 0 {
		args = append(args, "-y", strconv.Itoa(size.Rows))
	}
	return args
}

// HasSession reports whether a session with the given name exists on
// this server. Returns false if the server is not running.
func (s *Server) HasSession(sessionName string) bool {
	cmd := exec.Command("tmux", "-S", s.socketPath, "has-session", "-t", sessionName)
	return cmd.Run() == nil
}

// KillSession terminates a specific session. Returns nil if the session
// was already gone or the server was not running.
func (s *Server) KillSession(sessionName string) error {
	cmd := exec.Command("tmux", "-S", s.socketPath, "kill-session", "-t", sessionName)
	output, err := cmd.CombinedOutput()
	if err != nil {
		outputString := strings.TrimSpace(string(output))
		if strings.Contains(outputString, "can't find session") ||
			strings.Contains(outputString, "no server running") {
			return nil
		}
		return fmt.Errorf("tmux kill-session %q: %w (%s)",
			sessionName, err, outputString)
	}
	return nil
}

// KillServer terminates the entire tmux server, stopping all sessions.
// Returns nil if the server was already stopped.
func (s *Server) KillServer() error {
	cmd := exec.Command("tmux", "-S", s.socketPath, "kill-server")
	output, err := cmd.CombinedOutput()
	if err != nil {
		outputString := strings.TrimSpace(string(output))
		// "server exited unexpectedly" appears when the socket file
		// lingers briefly after the server process has exited.
		if strings.Contains(outputString, "no server running") ||
			strings.Contains(outputString, "server exited unexpectedly") {
			return nil
		}
		return fmt.Errorf("tmux kill-server: %w (%s)", err, outputString)
	}
	return nil
}

// SetOption sets a tmux option on this server. If sessionName is empty,
// the option is set globally (-g).
func (s *Server) SetOption(sessionName, key, value string) error {
	var args []string
	if sessionName == "" {
		args = []string{"-S", s.socketPath, "set-option", "-g", key, value}
	} else {
		args = []string{"-S", s.socketPath, "set-option", "-t", sessionName, key, value}
	}
	cmd := exec.Command("tmux", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux set-option %q=%q (session %q): %w (%s)",
			key, value, sessionName, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Run executes an arbitrary tmux subcommand on this server and returns
// the combined output. The -S flag is automatically prepended:
//
//	output, err := server.Run(ctx, "list-panes", "-t", session, "-F", "#{pane_index}")
func (s *Server) Run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-S", s.socketPath}, args...)
	cmd := exec.CommandContext(ctx, "tmux", fullArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// SendLine types text into the session's active pane and presses Enter.
// The text is sent with -l so tmux does not interpret words like "C-c"
// or "Enter" inside it as key names.
func (s *Server) SendLine(ctx context.Context, sessionName, text string) error {
	if _, err := s.Run(ctx, "send-keys", "-t", sessionName, "-l", text); err != nil {
		return err
	}
	_, err := s.Run(ctx, "send-keys", "-t", sessionName, "Enter")
	return err
}

// CapturePane captures the full scrollback and visible content of the
// named session's pane. Lines the terminal wrapped are joined back
// together (-J), so a long line reads as one line regardless of the
// window width. Escape sequences are not included.
//
// maxLines limits the output to the last N lines. Pass 0 for no limit.
func (s *Server) CapturePane(ctx context.Context, sessionName string, maxLines int) (string, error) {
	output, err := s.Run(ctx, "capture-pane", "-t", sessionName, "-p", "-J", "-S", "-", "-E", "-")
	if err != nil {
		return "", err
	}

	if maxLines <= 0 {
		return output, nil
	}

	return tailString(output, maxLines), nil
}

// PanePID returns the process ID of the command running in the named
// session's active pane.
func (s *Server) PanePID(ctx context.Context, sessionName string) (int, error) {
	output, err := s.Run(ctx, "display-message", "-t", sessionName, "-p", "#{pane_pid}")
	if err != nil {
		return 0, fmt.Errorf("getting pane PID: %w", err)
	}

	pid, parseErr := strconv.Atoi(strings.TrimSpace(output))
	if parseErr != nil {
		return 0, fmt.Errorf("parsing pane PID %q: %w", strings.TrimSpace(output), parseErr)
	}

	return pid, nil
}

// tailString returns the last n lines of s, matching tail -n semantics:
// a trailing newline terminates the last line (does not start a new one).
// If s has n or fewer lines, it is returned unchanged.
func tailString(s string, n int) string {
	if len(s) == 0 {
		return s
	}

	searchFrom := len(s) - 1
	if s[searchFrom] == '\n' {
		searchFrom--
	}

	// For n lines we need the newline before the first of them, which
	// is the n-th separator counting backwards.
	count := 0
	for i := searchFrom; i >= 0; i-- {
		if s[i] == '\n' {
			count++
			if count == n {
				return s[i+1:]
			}
		}
	}
	return s
}
