// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Vmbridge-server serves the vmbridge HTTP API.
//
// In the manager role it hosts the instance registry and orchestrator
// alongside a command queue: operators create instances through it and
// every instance's agent heartbeats to it. In the worker role it is the
// per-instance server the orchestrator spawns, hosting only that
// instance's command queue and gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/vmbridge/lib/apiauth"
	"github.com/bureau-foundation/vmbridge/lib/clock"
	"github.com/bureau-foundation/vmbridge/lib/cmdqueue"
	"github.com/bureau-foundation/vmbridge/lib/config"
	"github.com/bureau-foundation/vmbridge/lib/httpapi"
	"github.com/bureau-foundation/vmbridge/lib/metrics"
	"github.com/bureau-foundation/vmbridge/lib/orchestrator"
	"github.com/bureau-foundation/vmbridge/lib/process"
	"github.com/bureau-foundation/vmbridge/lib/registry"
	"github.com/bureau-foundation/vmbridge/lib/service"
	"github.com/bureau-foundation/vmbridge/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		listen      string
		role        string
		showVersion bool
	)
	flags := pflag.NewFlagSet("vmbridge-server", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to a vmbridge.yaml or .jsonc config file (default $VMBRIDGE_CONFIG)")
	flags.StringVar(&listen, "listen", "", "listen address, overriding server.listen")
	flags.StringVar(&role, "role", "", "server role: manager or worker, overriding server.role")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		fmt.Printf("vmbridge-server %s\n", version.Info())
		return nil
	}

	cfg, err := config.Resolve(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if role != "" {
		cfg.Server.Role = role
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With("role", cfg.Server.Role)
	slog.SetDefault(logger)

	if cfg.Server.APIKey == "" {
		logger.Warn("no API key configured; authenticated endpoints will refuse every request")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := clock.Real()
	serverConfig := httpapi.Config{
		Role:           cfg.Server.Role,
		APIKey:         cfg.Server.APIKey,
		DiskSource:     cfg.Server.DiskSource,
		Queue:          cmdqueue.New(cmdqueue.Config{Clock: c}),
		Clock:          c,
		Logger:         logger,
		Metrics:        metrics.New(),
		StaleAfter:     config.Duration(cfg.Server.StaleAfter, registry.DefaultStaleAfter),
		GatewayTimeout: config.Duration(cfg.Server.GatewayTimeout, 0),
		Version:        version.Info(),
	}

	if cfg.Server.Role == config.RoleManager {
		instances := registry.New(c)
		instanceOrchestrator, err := newOrchestrator(cfg, configPath, instances, c, logger)
		if err != nil {
			return err
		}
		serverConfig.Registry = instances
		serverConfig.Orchestrator = instanceOrchestrator
		serverConfig.Sessions = apiauth.NewSessions(apiauth.SessionConfig{
			Clock:        c,
			User:         cfg.Manager.User,
			Password:     cfg.Manager.Password,
			PasswordHash: cfg.Manager.PasswordHash,
			Secret:       cfg.Manager.SessionSecret,
			APIKey:       cfg.Server.APIKey,
			TTL:          config.Duration(cfg.Manager.SessionTTL, apiauth.DefaultSessionTTL),
		})
	}

	api, err := httpapi.New(serverConfig)
	if err != nil {
		return err
	}
	server := service.NewHTTPServer(service.HTTPServerConfig{
		Address: cfg.Server.Listen,
		Handler: api.Handler(),
		Logger:  logger,
	})

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()

	select {
	case <-server.Ready():
		logger.Info("vmbridge-server running",
			"version", version.Info(),
			"address", server.Addr().String(),
			"disk_source", cfg.Server.DiskSource,
		)
	case err := <-serveDone:
		return err
	}

	return <-serveDone
}

// newOrchestrator wires the instance orchestrator. Workers are spawned
// from this same server binary unless the config names another, so a
// single install can both manage and host instances.
func newOrchestrator(cfg *config.Config, configPath string, instances *registry.Registry, c clock.Clock, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating own executable: %w", err)
	}

	serverPath, err := cfg.BinaryPath(cfg.Orchestrator.ServerBinary)
	if err != nil {
		serverPath = executable
	}
	agentPath, err := cfg.BinaryPath(cfg.Orchestrator.AgentBinary)
	if err != nil {
		agentPath = filepath.Join(filepath.Dir(executable), cfg.Orchestrator.AgentBinary)
		logger.Warn("agent binary not found on PATH; using sibling of server binary",
			"path", agentPath, "error", err)
	}

	logsDir, err := filepath.Abs(cfg.Orchestrator.LogsDir)
	if err != nil {
		return nil, fmt.Errorf("resolving logs directory: %w", err)
	}

	return orchestrator.New(orchestrator.Config{
		Registry: instances,
		Clock:    c,
		Logger:   logger.With("component", "orchestrator"),
		WorkerCommand: func(port int) []string {
			argv := []string{serverPath, "--role", config.RoleWorker, "--listen", "127.0.0.1:" + strconv.Itoa(port)}
			if configPath != "" {
				argv = append(argv, "--config", configPath)
			}
			return argv
		},
		AgentCommand:    []string{agentPath},
		APIKey:          cfg.Server.APIKey,
		DiskSource:      cfg.Server.DiskSource,
		RegistryURL:     cfg.ManagerRegistryURL(),
		LogsDir:         logsDir,
		ReadyTimeout:    config.Duration(cfg.Orchestrator.ReadyTimeout, orchestrator.DefaultReadyTimeout),
		AgentCheckDelay: config.Duration(cfg.Orchestrator.AgentCheckDelay, orchestrator.DefaultAgentCheckDelay),
	})
}
