// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Vmbridge-agent runs the command loop for one instance.
//
// It starts a shell in a tmux session or on a pseudo-terminal, waits
// for the prompt, then polls the instance's server for commands, types
// each one into the shell between echo markers, and reports the output
// between them. When a registry URL is configured it also heartbeats to
// the manager, and exits cleanly when the manager asks it to terminate.
//
// The orchestrator starts the agent with its identity in the
// environment (WEBVM_URL, WEBVM_ID, WEBVM_NAME, API_KEY,
// VMBRIDGE_REGISTRY_URL); every variable has a flag equivalent for
// running the agent by hand.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/vmbridge/lib/apiclient"
	"github.com/bureau-foundation/vmbridge/lib/clock"
	"github.com/bureau-foundation/vmbridge/lib/codec"
	"github.com/bureau-foundation/vmbridge/lib/config"
	"github.com/bureau-foundation/vmbridge/lib/executor"
	"github.com/bureau-foundation/vmbridge/lib/heartbeat"
	"github.com/bureau-foundation/vmbridge/lib/orchestrator"
	"github.com/bureau-foundation/vmbridge/lib/process"
	"github.com/bureau-foundation/vmbridge/lib/registry"
	"github.com/bureau-foundation/vmbridge/lib/terminal"
	"github.com/bureau-foundation/vmbridge/lib/tmux"
	"github.com/bureau-foundation/vmbridge/lib/version"
)

// livenessInterval is how often the agent checks that its shell is
// still running.
const livenessInterval = 10 * time.Second

var errTerminalExited = errors.New("terminal session exited")

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	configPath   string
	url          string
	id           string
	name         string
	apiKey       string
	registryURL  string
	terminalKind string
	shell        string
	showVersion  bool
}

func run() error {
	var opts options
	flags := pflag.NewFlagSet("vmbridge-agent", pflag.ContinueOnError)
	flags.StringVar(&opts.configPath, "config", "", "path to a vmbridge config file (default $VMBRIDGE_CONFIG)")
	flags.StringVar(&opts.url, "url", os.Getenv("WEBVM_URL"), "instance server URL ($WEBVM_URL)")
	flags.StringVar(&opts.id, "id", os.Getenv("WEBVM_ID"), "instance id; generated when empty ($WEBVM_ID)")
	flags.StringVar(&opts.name, "name", os.Getenv("WEBVM_NAME"), "instance display name ($WEBVM_NAME)")
	flags.StringVar(&opts.apiKey, "api-key", "", "API key for the instance server and registry (default $API_KEY)")
	flags.StringVar(&opts.registryURL, "registry-url", os.Getenv("VMBRIDGE_REGISTRY_URL"), "manager API URL to heartbeat to; empty disables heartbeats ($VMBRIDGE_REGISTRY_URL)")
	flags.StringVar(&opts.terminalKind, "terminal", "", "terminal backend: tmux or pty (default agent.terminal)")
	flags.StringVar(&opts.shell, "shell", "", "shell to run (default agent.shell)")
	flags.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Printf("vmbridge-agent %s\n", version.Info())
		return nil
	}

	cfg, err := config.Resolve(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.terminalKind != "" {
		cfg.Agent.Terminal = opts.terminalKind
	}
	if opts.shell != "" {
		cfg.Agent.Shell = opts.shell
	}
	if opts.apiKey == "" {
		opts.apiKey = cfg.Server.APIKey
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if opts.url == "" {
		return fmt.Errorf("--url (or WEBVM_URL) is required")
	}

	c := clock.Real()
	if opts.id == "" {
		opts.id = orchestrator.NewInstanceID(c)
	}
	if opts.name == "" {
		opts.name = opts.id
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With("instance_id", opts.id)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("vmbridge-agent starting",
		"version", version.Info(),
		"url", opts.url,
		"terminal", cfg.Agent.Terminal,
	)

	term, cleanup, err := startTerminal(cfg, opts.id, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := terminal.WaitForPrompt(ctx, term, terminal.PromptWait{
		Clock:   c,
		Logger:  logger,
		Timeout: config.Duration(cfg.Agent.PromptTimeout, terminal.DefaultPromptTimeout),
	}); err != nil {
		logger.Info("interrupted while waiting for shell prompt")
		return nil
	}

	worker, err := apiclient.New(apiclient.Config{
		BaseURL: opts.url,
		APIKey:  opts.apiKey,
		Format:  codec.CBOR,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 3)

	loop := executor.New(executor.Config{
		Source:       worker.CommandSource(),
		Terminal:     term,
		Clock:        c,
		Logger:       logger.With("component", "executor"),
		PollInterval: config.Duration(cfg.Agent.PollInterval, executor.DefaultPollInterval),
		CallTimeout:  config.Duration(cfg.Agent.CallTimeout, executor.DefaultCallTimeout),
	})
	go func() { done <- loop.Run(ctx) }()

	if opts.registryURL != "" {
		registryClient, err := apiclient.New(apiclient.Config{
			BaseURL: opts.registryURL,
			APIKey:  opts.apiKey,
			Format:  codec.CBOR,
		})
		if err != nil {
			return err
		}
		beats, err := heartbeat.New(heartbeat.Config{
			Client: registryClient.HeartbeatClient(),
			Clock:  c,
			Logger: logger.With("component", "heartbeat"),
			Identity: registry.Heartbeat{
				ID:    opts.id,
				Name:  opts.name,
				RunAt: strings.TrimRight(opts.url, "/"),
				API:   strings.TrimRight(opts.url, "/") + "/api",
			},
			Interval: config.Duration(cfg.Agent.HeartbeatInterval, heartbeat.DefaultInterval),
			Timeout:  config.Duration(cfg.Agent.CallTimeout, heartbeat.DefaultTimeout),
		})
		if err != nil {
			return err
		}
		go func() { done <- beats.Run(ctx) }()
	} else {
		logger.Info("no registry URL configured; heartbeats disabled")
	}

	go func() { done <- watchTerminal(ctx, c, term) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-done:
		switch {
		case errors.Is(err, heartbeat.ErrTerminateRequested):
			logger.Info("terminating at registry request")
			return nil
		case err == nil:
			return nil
		default:
			return err
		}
	}
}

// watchTerminal returns errTerminalExited once the shell is gone, or
// nil when ctx ends first.
func watchTerminal(ctx context.Context, c clock.Clock, term terminal.Terminal) error {
	ticker := c.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !term.Alive(ctx) {
				return errTerminalExited
			}
		}
	}
}

// startTerminal starts the configured terminal backend. The returned
// cleanup closes the session and, for tmux, stops the private server.
func startTerminal(cfg *config.Config, id string, logger *slog.Logger) (terminal.Terminal, func(), error) {
	shell := strings.Fields(cfg.Agent.Shell)

	switch cfg.Agent.Terminal {
	case config.TerminalPTY:
		term, err := terminal.NewPTY(terminal.PTYConfig{
			Shell:   shell,
			Columns: cfg.Agent.Columns,
			Logger:  logger.With("component", "pty"),
		})
		if err != nil {
			return nil, nil, err
		}
		return term, func() { term.Close() }, nil

	default:
		stateDir, err := os.MkdirTemp("", "vmbridge-agent-*")
		if err != nil {
			return nil, nil, fmt.Errorf("creating tmux state directory: %w", err)
		}
		configFile, err := terminal.WriteTmuxConfig(stateDir)
		if err != nil {
			os.RemoveAll(stateDir)
			return nil, nil, err
		}
		socket := cfg.Agent.TmuxSocket
		if socket == "" {
			socket = filepath.Join(stateDir, "tmux.sock")
		}
		server := tmux.NewServer(socket, configFile)
		term, err := terminal.NewTmux(terminal.TmuxConfig{
			Server:  server,
			Session: id,
			Shell:   shell,
			Size:    tmux.Size{Columns: cfg.Agent.Columns, Rows: terminal.DefaultRows},
		})
		if err != nil {
			os.RemoveAll(stateDir)
			return nil, nil, err
		}
		cleanup := func() {
			if err := term.Close(); err != nil {
				logger.Warn("closing tmux session", "error", err)
			}
			if err := server.KillServer(); err != nil {
				logger.Debug("stopping tmux server", "error", err)
			}
			os.RemoveAll(stateDir)
		}
		return term, cleanup, nil
	}
}
