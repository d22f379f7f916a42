// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator provisions and retires VM instances.
//
// An instance is two host processes: a worker server bound to a
// loopback port, which hosts the instance's command queue, and a
// headless agent, which owns the instance's terminal, executes queued
// commands, and heartbeats to the manager's registry. [Orchestrator.Create]
// allocates a browser-safe port, starts the worker and waits for its
// port to open, starts the agent and checks that it survived its first
// moments, then registers the instance. If any step fails, the
// processes already started for that request are killed before the
// error is returned.
//
// [Orchestrator.Terminate] works in two phases: it first flags the
// instance in the registry so a healthy agent shuts down on its next
// heartbeat, then signals both processes directly so termination
// succeeds even when the agent is wedged or offline.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/vmbridge/lib/apierror"
	"github.com/bureau-foundation/vmbridge/lib/clock"
	"github.com/bureau-foundation/vmbridge/lib/netutil"
	"github.com/bureau-foundation/vmbridge/lib/registry"
)

// Defaults for Config.
const (
	DefaultName            = "WebVM"
	DefaultReadyTimeout    = 30 * time.Second
	DefaultAgentCheckDelay = 300 * time.Millisecond
)

// Config configures an Orchestrator.
type Config struct {
	Registry *registry.Registry
	Clock    clock.Clock
	Logger   *slog.Logger

	// WorkerCommand returns the argv that starts a worker server
	// listening on 127.0.0.1:port. Required.
	WorkerCommand func(port int) []string

	// AgentCommand is the argv that starts a headless agent. The
	// instance identity is passed in the environment. Required.
	AgentCommand []string

	// Env is the base environment for spawned processes. Nil uses
	// os.Environ().
	Env []string

	// APIKey is handed to workers and agents.
	APIKey string

	// DiskSource is used when a create request names none.
	DiskSource string

	// RegistryURL is the manager API base URL agents heartbeat to.
	RegistryURL string

	// LogsDir receives per-instance agent and worker logs. Required.
	LogsDir string

	ReadyTimeout    time.Duration
	AgentCheckDelay time.Duration

	// Getenv reads the host environment for the serverless guard. Nil
	// uses os.Getenv.
	Getenv func(string) string

	// NewID generates instance ids. Nil uses NewInstanceID.
	NewID func() string
}

// Orchestrator spawns, tracks, and retires instance processes.
type Orchestrator struct {
	registry        *registry.Registry
	clock           clock.Clock
	logger          *slog.Logger
	workerCommand   func(int) []string
	agentCommand    []string
	env             []string
	apiKey          string
	diskSource      string
	registryURL     string
	logsDir         string
	readyTimeout    time.Duration
	agentCheckDelay time.Duration
	getenv          func(string) string
	newID           func() string
}

// New returns an Orchestrator.
func New(config Config) (*Orchestrator, error) {
	switch {
	case config.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	case config.Clock == nil:
		return nil, errors.New("orchestrator: clock is required")
	case config.Logger == nil:
		return nil, errors.New("orchestrator: logger is required")
	case config.WorkerCommand == nil:
		return nil, errors.New("orchestrator: worker command is required")
	case len(config.AgentCommand) == 0:
		return nil, errors.New("orchestrator: agent command is required")
	case config.LogsDir == "":
		return nil, errors.New("orchestrator: logs directory is required")
	}

	o := &Orchestrator{
		registry:        config.Registry,
		clock:           config.Clock,
		logger:          config.Logger,
		workerCommand:   config.WorkerCommand,
		agentCommand:    config.AgentCommand,
		env:             config.Env,
		apiKey:          config.APIKey,
		diskSource:      strings.TrimSpace(config.DiskSource),
		registryURL:     config.RegistryURL,
		logsDir:         config.LogsDir,
		readyTimeout:    config.ReadyTimeout,
		agentCheckDelay: config.AgentCheckDelay,
		getenv:          config.Getenv,
		newID:           config.NewID,
	}
	if o.env == nil {
		o.env = os.Environ()
	}
	if o.readyTimeout <= 0 {
		o.readyTimeout = DefaultReadyTimeout
	}
	if o.agentCheckDelay <= 0 {
		o.agentCheckDelay = DefaultAgentCheckDelay
	}
	if o.getenv == nil {
		o.getenv = os.Getenv
	}
	if o.newID == nil {
		o.newID = func() string { return NewInstanceID(o.clock) }
	}
	return o, nil
}

// NewInstanceID returns "webvm_<unix-ms>_<8 hex digits>".
func NewInstanceID(c clock.Clock) string {
	var suffix [4]byte
	rand.Read(suffix[:])
	return "webvm_" + strconv.FormatInt(c.Now().UnixMilli(), 10) + "_" + hex.EncodeToString(suffix[:])
}

// CreateRequest describes a new instance. Zero values take defaults:
// DefaultName, the configured disk source, and an auto-picked port.
type CreateRequest struct {
	Name       string
	DiskSource string
	Port       int
}

// Provisioned describes a running instance.
type Provisioned struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	RunAt string `json:"runAt"`
	API   string `json:"api"`
	Port  int    `json:"port"`
}

// Create provisions a new instance.
func (o *Orchestrator) Create(ctx context.Context, request CreateRequest) (Provisioned, error) {
	if err := o.serverlessGuard("Creating"); err != nil {
		return Provisioned{}, err
	}
	name := strings.TrimSpace(request.Name)
	if name == "" {
		name = DefaultName
	}
	diskSource := strings.TrimSpace(request.DiskSource)
	if diskSource == "" {
		diskSource = o.diskSource
	}
	if diskSource == "" {
		return Provisioned{}, apierror.New(apierror.BadRequest,
			"No disk source configured. Set DISK_SOURCE or provide diskSource.")
	}
	if request.Port < 0 {
		return Provisioned{}, apierror.New(apierror.BadRequest, "Invalid port")
	}
	return o.provision(ctx, o.newID(), name, diskSource, request.Port)
}

// Start re-provisions a registered instance, reusing its name, disk
// source, and port.
func (o *Orchestrator) Start(ctx context.Context, id string) (Provisioned, error) {
	if err := o.serverlessGuard("Starting"); err != nil {
		return Provisioned{}, err
	}
	instance, err := o.registry.Get(id)
	if err != nil {
		return Provisioned{}, err
	}
	// A terminate left undelivered by the previous agent must not reach
	// the one about to start.
	if instance.TerminateRequested {
		if err := o.registry.MarkTerminated(id); err != nil {
			return Provisioned{}, err
		}
	}
	name := strings.TrimSpace(instance.Name)
	if name == "" {
		name = DefaultName
	}
	diskSource, _ := instance.Meta[MetaDiskSource].(string)
	if diskSource = strings.TrimSpace(diskSource); diskSource == "" {
		diskSource = o.diskSource
	}
	if diskSource == "" {
		return Provisioned{}, apierror.New(apierror.BadRequest, "No disk source configured for this instance")
	}
	return o.provision(ctx, id, name, diskSource, MetaInt(instance.Meta, MetaPort))
}

func (o *Orchestrator) serverlessGuard(verb string) error {
	if o.getenv("VERCEL") == "1" || o.getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		return apierror.New(apierror.Unsupported,
			"%s instances is not supported on serverless platforms. Run the manager on a persistent host to spawn instances.",
			verb)
	}
	return nil
}

func (o *Orchestrator) provision(ctx context.Context, id, name, diskSource string, preferredPort int) (Provisioned, error) {
	logger := o.logger.With("instance_id", id)

	port, err := netutil.AllocatePort(preferredPort)
	if err != nil {
		return Provisioned{}, err
	}
	runAt := "http://localhost:" + strconv.Itoa(port)

	if err := os.MkdirAll(o.logsDir, 0o755); err != nil {
		return Provisioned{}, apierror.Wrap(apierror.Internal, fmt.Errorf("creating logs directory: %w", err))
	}

	worker, err := o.spawnWorker(id, port, diskSource)
	if err != nil {
		return Provisioned{}, err
	}
	logger.Info("worker started", "pid", worker.pid(), "port", port)

	if err := o.waitForReady(ctx, worker, port); err != nil {
		o.kill(worker, logger)
		return Provisioned{}, err
	}

	agentLogPath := o.agentLogPath(id)
	agent, err := o.spawnAgent(ctx, agentEnvironment{
		url:        runAt,
		id:         id,
		name:       name,
		diskSource: diskSource,
	}, agentLogPath)
	if err != nil {
		o.kill(worker, logger)
		return Provisioned{}, err
	}
	logger.Info("agent started", "pid", agent.pid(), "log", agentLogPath)

	provisioned := Provisioned{ID: id, Name: name, RunAt: runAt, API: runAt + "/api", Port: port}
	if _, err := o.registry.Upsert(registry.Heartbeat{
		ID:    id,
		Name:  name,
		RunAt: provisioned.RunAt,
		API:   provisioned.API,
		Meta: map[string]any{
			MetaPID:             agent.pid(),
			MetaDiskSource:      diskSource,
			MetaPort:            port,
			MetaServerPID:       worker.pid(),
			MetaHeadlessLogPath: agentLogPath,
		},
	}); err != nil {
		o.kill(agent, logger)
		o.kill(worker, logger)
		return Provisioned{}, err
	}
	return provisioned, nil
}

func (o *Orchestrator) agentLogPath(id string) string {
	return filepath.Join(o.logsDir, id+".headless.log")
}

func (o *Orchestrator) workerLogPath(id string) string {
	return filepath.Join(o.logsDir, id+".server.log")
}
