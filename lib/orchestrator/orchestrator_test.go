// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/vmbridge/lib/apierror"
	"github.com/bureau-foundation/vmbridge/lib/clock"
	"github.com/bureau-foundation/vmbridge/lib/netutil"
	"github.com/bureau-foundation/vmbridge/lib/process"
	"github.com/bureau-foundation/vmbridge/lib/registry"
	"github.com/bureau-foundation/vmbridge/lib/testutil"
)

type fixture struct {
	orchestrator *Orchestrator
	registry     *registry.Registry
	logsDir      string
}

type fixtureOptions struct {
	workerRole string
	agentRole  string
	diskSource string
	getenv     func(string) string
}

func newFixture(t *testing.T, options fixtureOptions) *fixture {
	t.Helper()
	if options.workerRole == "" {
		options.workerRole = "worker"
	}
	if options.agentRole == "" {
		options.agentRole = "agent"
	}
	if options.getenv == nil {
		options.getenv = func(string) string { return "" }
	}

	reg := registry.New(clock.Real())
	logsDir := filepath.Join(t.TempDir(), "logs")
	orchestrator, err := New(Config{
		Registry: reg,
		Clock:    clock.Real(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		WorkerCommand: func(port int) []string {
			return helperArgv(options.workerRole, strconv.Itoa(port))
		},
		AgentCommand:    helperArgv(options.agentRole),
		Env:             helperEnvironment(),
		APIKey:          "test-key",
		DiskSource:      options.diskSource,
		RegistryURL:     "http://127.0.0.1:5173/api",
		LogsDir:         logsDir,
		ReadyTimeout:    10 * time.Second,
		AgentCheckDelay: 300 * time.Millisecond,
		Getenv:          options.getenv,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{orchestrator: orchestrator, registry: reg, logsDir: logsDir}
}

// terminateOnCleanup kills whatever an instance left running.
func (f *fixture) terminateOnCleanup(t *testing.T, id string) {
	t.Cleanup(func() {
		instance, err := f.registry.Get(id)
		if err != nil {
			return
		}
		for _, key := range []string{MetaPID, MetaServerPID} {
			if pid := MetaInt(instance.Meta, key); process.Alive(pid) {
				process.Terminate(pid)
			}
		}
	})
}

func portOpen(port int) bool {
	connection, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 200*time.Millisecond)
	if err != nil {
		return false
	}
	connection.Close()
	return true
}

func TestCreateAndTerminate(t *testing.T) {
	f := newFixture(t, fixtureOptions{diskSource: "wss://disks.example/debian.ext2"})
	ctx := context.Background()

	provisioned, err := f.orchestrator.Create(ctx, CreateRequest{Name: "  Build box  "})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.terminateOnCleanup(t, provisioned.ID)

	if !regexp.MustCompile(`^webvm_\d+_[0-9a-f]{8}$`).MatchString(provisioned.ID) {
		t.Errorf("id = %q", provisioned.ID)
	}
	if provisioned.Name != "Build box" {
		t.Errorf("name = %q", provisioned.Name)
	}
	wantURL := "http://localhost:" + strconv.Itoa(provisioned.Port)
	if provisioned.RunAt != wantURL || provisioned.API != wantURL+"/api" {
		t.Errorf("urls = %q %q", provisioned.RunAt, provisioned.API)
	}
	if netutil.IsUnsafePort(provisioned.Port) {
		t.Errorf("allocated unsafe port %d", provisioned.Port)
	}
	if !portOpen(provisioned.Port) {
		t.Error("worker port not open after Create")
	}

	instance, err := f.registry.Get(provisioned.ID)
	if err != nil {
		t.Fatalf("instance not registered: %v", err)
	}
	agentPID := MetaInt(instance.Meta, MetaPID)
	workerPID := MetaInt(instance.Meta, MetaServerPID)
	if !process.Alive(agentPID) || !process.Alive(workerPID) {
		t.Fatalf("processes not alive: agent=%d worker=%d", agentPID, workerPID)
	}
	if instance.Meta[MetaDiskSource] != "wss://disks.example/debian.ext2" || MetaInt(instance.Meta, MetaPort) != provisioned.Port {
		t.Errorf("meta = %v", instance.Meta)
	}
	logPath, _ := instance.Meta[MetaHeadlessLogPath].(string)
	if logPath != filepath.Join(f.logsDir, provisioned.ID+".headless.log") {
		t.Errorf("log path = %q", logPath)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		content, _ := os.ReadFile(logPath)
		return strings.Contains(string(content), "agent running as "+provisioned.ID+" Build box "+wantURL)
	}, "agent log missing its identity line")

	result, err := f.orchestrator.Terminate(ctx, provisioned.ID)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !result.TerminateRequested || len(result.Killed) != 2 || len(result.Errors) != 0 {
		t.Errorf("result = %+v", result)
	}
	if result.Killed[0] != (KilledProcess{Type: "headless", PID: agentPID}) ||
		result.Killed[1] != (KilledProcess{Type: "server", PID: workerPID}) {
		t.Errorf("killed = %+v", result.Killed)
	}
	testutil.Eventually(t, 10*time.Second, func() bool {
		return !process.Alive(agentPID) && !process.Alive(workerPID)
	}, "processes survived Terminate")

	instance, _ = f.registry.Get(provisioned.ID)
	if !instance.Stopped || !instance.LastSeenAt.IsZero() || !instance.TerminateRequested {
		t.Errorf("instance after terminate = %+v", instance)
	}
	if commands := f.registry.PendingCommands(provisioned.ID); len(commands) != 1 || commands[0].Type != registry.CommandTerminate {
		t.Errorf("commands after terminate = %v, want terminate for a surviving agent", commands)
	}
}

func TestCreateWorkerExitsEarly(t *testing.T) {
	f := newFixture(t, fixtureOptions{workerRole: "worker-crash", diskSource: "disk"})

	_, err := f.orchestrator.Create(context.Background(), CreateRequest{})
	if !apierror.Is(err, apierror.Upstream) {
		t.Fatalf("Create = %v, want Upstream", err)
	}
	for _, want := range []string{"Process exited early (code=3, signal=null)", "--- server output ---", "disk source unreachable"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q lacks %q", err.Error(), want)
		}
	}
	if instances := f.registry.List(registry.DefaultStaleAfter); len(instances) != 0 {
		t.Errorf("failed create registered %d instances", len(instances))
	}
}

func TestCreateAgentFailureRollsBackWorker(t *testing.T) {
	f := newFixture(t, fixtureOptions{agentRole: "agent-crash", diskSource: "disk"})
	port, err := netutil.AllocatePort(0)
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}

	_, err = f.orchestrator.Create(context.Background(), CreateRequest{Port: port})
	if !apierror.Is(err, apierror.Upstream) {
		t.Fatalf("Create = %v, want Upstream", err)
	}
	if !strings.Contains(err.Error(), "Headless runner failed to start for VM webvm_") ||
		!strings.Contains(err.Error(), "See log: "+f.logsDir) {
		t.Errorf("error = %q", err.Error())
	}
	testutil.Eventually(t, 10*time.Second, func() bool { return !portOpen(port) },
		"worker still listening after the agent failed")
}

func TestCreateReadyTimeout(t *testing.T) {
	f := newFixture(t, fixtureOptions{workerRole: "worker-silent", diskSource: "disk"})
	f.orchestrator.readyTimeout = 600 * time.Millisecond

	_, err := f.orchestrator.Create(context.Background(), CreateRequest{})
	if !apierror.Is(err, apierror.Timeout) || !strings.Contains(err.Error(), "timed out waiting for port") {
		t.Fatalf("Create = %v, want a Timeout readiness failure", err)
	}
	if !strings.Contains(err.Error(), "--- server output ---\nworker: still mounting disk") {
		t.Errorf("error %q lacks the worker's output", err.Error())
	}
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name    string
		options fixtureOptions
		request CreateRequest
		kind    apierror.Kind
		message string
	}{
		{
			name:    "no disk source",
			request: CreateRequest{},
			kind:    apierror.BadRequest,
			message: "No disk source configured",
		},
		{
			name:    "negative port",
			options: fixtureOptions{diskSource: "disk"},
			request: CreateRequest{Port: -1},
			kind:    apierror.BadRequest,
			message: "Invalid port",
		},
		{
			name:    "unsafe port",
			options: fixtureOptions{diskSource: "disk"},
			request: CreateRequest{Port: 6000},
			kind:    apierror.BadRequest,
			message: "Port 6000 is blocked by the browser (ERR_UNSAFE_PORT)",
		},
		{
			name:    "unsafe port 6566",
			options: fixtureOptions{diskSource: "disk"},
			request: CreateRequest{Port: 6566},
			kind:    apierror.BadRequest,
			message: "Port 6566 is blocked by the browser (ERR_UNSAFE_PORT)",
		},
		{
			name:    "unsafe port in irc range",
			options: fixtureOptions{diskSource: "disk"},
			request: CreateRequest{Port: 6667},
			kind:    apierror.BadRequest,
			message: "ERR_UNSAFE_PORT",
		},
		{
			name: "vercel",
			options: fixtureOptions{diskSource: "disk", getenv: func(key string) string {
				if key == "VERCEL" {
					return "1"
				}
				return ""
			}},
			kind:    apierror.Unsupported,
			message: "serverless",
		},
		{
			name: "lambda",
			options: fixtureOptions{diskSource: "disk", getenv: func(key string) string {
				if key == "AWS_LAMBDA_FUNCTION_NAME" {
					return "manager"
				}
				return ""
			}},
			kind:    apierror.Unsupported,
			message: "serverless",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t, test.options)
			_, err := f.orchestrator.Create(context.Background(), test.request)
			if !apierror.Is(err, test.kind) {
				t.Fatalf("Create = %v, want %s", err, test.kind)
			}
			if !strings.Contains(err.Error(), test.message) {
				t.Errorf("error %q lacks %q", err.Error(), test.message)
			}
			// Rejected before any process was spawned.
			entries, _ := os.ReadDir(f.logsDir)
			for _, entry := range entries {
				if strings.HasSuffix(entry.Name(), ".server.log") || strings.HasSuffix(entry.Name(), ".headless.log") {
					t.Errorf("rejected create left log %s", entry.Name())
				}
			}
			if instances := f.registry.List(registry.DefaultStaleAfter); len(instances) != 0 {
				t.Errorf("rejected create registered %d instances", len(instances))
			}
		})
	}
}

func TestCreateDiskSourceOverridesDefault(t *testing.T) {
	f := newFixture(t, fixtureOptions{diskSource: "default-disk"})
	provisioned, err := f.orchestrator.Create(context.Background(), CreateRequest{DiskSource: "custom-disk"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.terminateOnCleanup(t, provisioned.ID)

	instance, _ := f.registry.Get(provisioned.ID)
	if instance.Meta[MetaDiskSource] != "custom-disk" || instance.Name != DefaultName {
		t.Errorf("instance = %+v", instance)
	}
}

func TestStartReusesInstanceSettings(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	port, err := netutil.AllocatePort(0)
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}
	f.registry.Upsert(registry.Heartbeat{
		ID:   "webvm_1_00000000",
		Name: "Restarted",
		Meta: map[string]any{MetaDiskSource: "saved-disk", MetaPort: float64(port)},
	})
	f.registry.RequestTerminate("webvm_1_00000000")
	f.registry.MarkStopped("webvm_1_00000000")

	provisioned, err := f.orchestrator.Start(context.Background(), "webvm_1_00000000")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.terminateOnCleanup(t, provisioned.ID)

	if provisioned.ID != "webvm_1_00000000" || provisioned.Name != "Restarted" || provisioned.Port != port {
		t.Errorf("provisioned = %+v", provisioned)
	}
	instance, _ := f.registry.Get(provisioned.ID)
	if instance.Stopped {
		t.Error("instance still stopped after Start")
	}
	if commands := f.registry.PendingCommands(provisioned.ID); len(commands) != 0 {
		t.Errorf("restarted instance inherited commands %v", commands)
	}
}

func TestStartErrors(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	if _, err := f.orchestrator.Start(context.Background(), "missing"); !apierror.Is(err, apierror.NotFound) {
		t.Errorf("Start(missing) = %v, want NotFound", err)
	}

	f.registry.Upsert(registry.Heartbeat{ID: "no-disk"})
	if _, err := f.orchestrator.Start(context.Background(), "no-disk"); !apierror.Is(err, apierror.BadRequest) {
		t.Errorf("Start without disk = %v, want BadRequest", err)
	}

	f.registry.Upsert(registry.Heartbeat{ID: "bad-port", Meta: map[string]any{MetaDiskSource: "d", MetaPort: 22}})
	_, err := f.orchestrator.Start(context.Background(), "bad-port")
	if !apierror.Is(err, apierror.BadRequest) || !strings.Contains(err.Error(), "ERR_UNSAFE_PORT") {
		t.Errorf("Start on unsafe port = %v", err)
	}
}

func TestTerminateUnknownAndDeadProcesses(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	if _, err := f.orchestrator.Terminate(context.Background(), "missing"); !apierror.Is(err, apierror.NotFound) {
		t.Errorf("Terminate(missing) = %v, want NotFound", err)
	}

	// A pid far above pid_max cannot exist.
	f.registry.Upsert(registry.Heartbeat{ID: "ghost", Meta: map[string]any{MetaPID: 1 << 30}})
	result, err := f.orchestrator.Terminate(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if len(result.Killed) != 0 || len(result.Errors) != 1 || result.Errors[0].Type != "headless" {
		t.Errorf("result = %+v", result)
	}
	instance, _ := f.registry.Get("ghost")
	if !instance.Stopped {
		t.Error("instance not marked stopped after failed kills")
	}
}

func TestRenameAndDelete(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.registry.Upsert(registry.Heartbeat{ID: "vm1", Name: "old"})

	if err := f.orchestrator.Rename("vm1", "new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if instance, _ := f.registry.Get("vm1"); instance.Name != "new" {
		t.Errorf("name = %q", instance.Name)
	}
	if err := f.orchestrator.Rename("missing", "x"); !apierror.Is(err, apierror.NotFound) {
		t.Errorf("Rename(missing) = %v", err)
	}

	if err := os.MkdirAll(f.logsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(f.logsDir, "vm1.headless.log")
	content := bytes.Repeat([]byte("agent output line\n"), 500)
	if err := os.WriteFile(logPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := f.orchestrator.Delete("vm1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.registry.Get("vm1"); !apierror.Is(err, apierror.NotFound) {
		t.Errorf("instance survived Delete: %v", err)
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Errorf("plain log still present: %v", err)
	}
	archived, err := os.ReadFile(logPath + ".zst")
	if err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer decoder.Close()
	restored, err := decoder.DecodeAll(archived, nil)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if !bytes.Equal(restored, content) {
		t.Error("archived log does not round-trip")
	}

	if err := f.orchestrator.Delete("vm1"); !apierror.Is(err, apierror.NotFound) {
		t.Errorf("second Delete = %v, want NotFound", err)
	}
}

func TestArchiveLogMissing(t *testing.T) {
	archived, err := ArchiveLog(filepath.Join(t.TempDir(), "absent.log"))
	if err != nil || archived != "" {
		t.Errorf("ArchiveLog(missing) = %q, %v", archived, err)
	}
}

func TestNewInstanceID(t *testing.T) {
	fakeClock := clock.Fake(time.UnixMilli(1767225600000))
	id := NewInstanceID(fakeClock)
	if !strings.HasPrefix(id, "webvm_1767225600000_") || len(id) != len("webvm_1767225600000_")+8 {
		t.Errorf("id = %q", id)
	}
	if NewInstanceID(fakeClock) == id {
		t.Error("consecutive ids collided")
	}
}

func TestNewValidates(t *testing.T) {
	base := Config{
		Registry:      registry.New(clock.Real()),
		Clock:         clock.Real(),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		WorkerCommand: func(int) []string { return []string{"true"} },
		AgentCommand:  []string{"true"},
		LogsDir:       t.TempDir(),
	}
	if _, err := New(base); err != nil {
		t.Fatalf("New(valid) = %v", err)
	}
	mutations := map[string]func(*Config){
		"registry": func(c *Config) { c.Registry = nil },
		"clock":    func(c *Config) { c.Clock = nil },
		"logger":   func(c *Config) { c.Logger = nil },
		"worker":   func(c *Config) { c.WorkerCommand = nil },
		"agent":    func(c *Config) { c.AgentCommand = nil },
		"logs":     func(c *Config) { c.LogsDir = "" },
	}
	for name, mutate := range mutations {
		config := base
		mutate(&config)
		if _, err := New(config); err == nil {
			t.Errorf("New accepted config without %s", name)
		}
	}
}
