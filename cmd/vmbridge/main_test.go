// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/vmbridge/cmd/vmbridge/cli"
	"github.com/bureau-foundation/vmbridge/lib/api"
	"github.com/bureau-foundation/vmbridge/lib/apiauth"
	"github.com/bureau-foundation/vmbridge/lib/apierror"
	"github.com/bureau-foundation/vmbridge/lib/clock"
	"github.com/bureau-foundation/vmbridge/lib/cmdqueue"
	"github.com/bureau-foundation/vmbridge/lib/config"
	"github.com/bureau-foundation/vmbridge/lib/httpapi"
	"github.com/bureau-foundation/vmbridge/lib/orchestrator"
	"github.com/bureau-foundation/vmbridge/lib/registry"
)

const testAPIKey = "cli-test-key"

type recordingOrchestrator struct {
	renamed map[string]string
}

func (o *recordingOrchestrator) Create(_ context.Context, request orchestrator.CreateRequest) (orchestrator.Provisioned, error) {
	return orchestrator.Provisioned{
		ID:    "inst-new",
		Name:  request.Name,
		RunAt: "http://127.0.0.1:8123",
		API:   "http://127.0.0.1:8123/api",
		Port:  request.Port,
	}, nil
}

func (o *recordingOrchestrator) Start(context.Context, string) (orchestrator.Provisioned, error) {
	return orchestrator.Provisioned{}, apierror.New(apierror.Unsupported, "not in tests")
}

func (o *recordingOrchestrator) Terminate(context.Context, string) (orchestrator.TerminateResult, error) {
	return orchestrator.TerminateResult{
		TerminateRequested: true,
		Killed:             []orchestrator.KilledProcess{{Type: "worker", PID: 4242}},
	}, nil
}

func (o *recordingOrchestrator) Rename(id, name string) error {
	o.renamed[id] = name
	return nil
}

func (o *recordingOrchestrator) Delete(string) error { return nil }

type fixture struct {
	t            *testing.T
	url          string
	queue        *cmdqueue.Queue
	registry     *registry.Registry
	orchestrator *recordingOrchestrator
	sessionFile  string
	stdout       *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := clock.Real()
	f := &fixture{
		t:            t,
		queue:        cmdqueue.New(cmdqueue.Config{Clock: c, PollInterval: 5 * time.Millisecond}),
		registry:     registry.New(c),
		orchestrator: &recordingOrchestrator{renamed: map[string]string{}},
		sessionFile:  filepath.Join(t.TempDir(), "session"),
		stdout:       &bytes.Buffer{},
	}
	server, err := httpapi.New(httpapi.Config{
		Role:         config.RoleManager,
		APIKey:       testAPIKey,
		Queue:        f.queue,
		Clock:        c,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registry:     f.registry,
		Orchestrator: f.orchestrator,
		Sessions: apiauth.NewSessions(apiauth.SessionConfig{
			Clock: c, User: "admin", Password: "hunter2", APIKey: testAPIKey,
		}),
		SubmitWait: 5 * time.Second,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("httpapi.New: %v", err)
	}
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)
	f.url = httpServer.URL

	previous := stdout
	stdout = f.stdout
	t.Cleanup(func() { stdout = previous })
	return f
}

// run executes "vmbridge <command> <connection flags> <args...>".
func (f *fixture) run(command []string, apiKey string, args ...string) error {
	f.t.Helper()
	f.stdout.Reset()
	full := append([]string{}, command...)
	full = append(full, "--server", f.url, "--session-file", f.sessionFile)
	if apiKey != "" {
		full = append(full, "--api-key", apiKey)
	}
	full = append(full, args...)
	rootCommand := root()
	rootCommand.Output = io.Discard
	return rootCommand.Execute(context.Background(), full)
}

// resolveNext completes the next submitted command with result.
func (f *fixture) resolveNext(ctx context.Context, result cmdqueue.Result) {
	for ctx.Err() == nil {
		if record, ok := f.queue.ClaimNextPending(); ok {
			f.queue.ReportResult(record.ID, result)
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestExecPrintsOutput(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go f.resolveNext(ctx, cmdqueue.Result{Output: "user"})

	if err := f.run([]string{"exec"}, testAPIKey, "--", "whoami"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if got := f.stdout.String(); got != "user\n" {
		t.Errorf("stdout = %q, want %q", got, "user\n")
	}
}

func TestExecExitCode(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go f.resolveNext(ctx, cmdqueue.Result{Output: "boom\n", ExitCode: 3})

	err := f.run([]string{"exec"}, testAPIKey, "--", "false")
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 3 {
		t.Fatalf("exec error = %v, want ExitError with code 3", err)
	}
	if got := f.stdout.String(); got != "boom\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestExecNoWaitJSON(t *testing.T) {
	f := newFixture(t)
	if err := f.run([]string{"exec"}, testAPIKey, "--no-wait", "--json", "--", "sleep", "60"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	var response api.SubmitResponse
	if err := json.Unmarshal(f.stdout.Bytes(), &response); err != nil {
		t.Fatalf("decoding %q: %v", f.stdout.String(), err)
	}
	if response.Status != "pending" || response.CommandID == "" {
		t.Fatalf("response = %+v", response)
	}
	record, err := f.queue.Get(response.CommandID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.Command != "sleep 60" {
		t.Errorf("queued command = %q, want the arguments joined", record.Command)
	}
}

func TestExecRequiresCommand(t *testing.T) {
	f := newFixture(t)
	if err := f.run([]string{"exec"}, testAPIKey); err == nil {
		t.Fatal("exec with no command succeeded")
	}
}

func TestExecUnauthorized(t *testing.T) {
	f := newFixture(t)
	err := f.run([]string{"exec"}, "wrong-key", "--no-wait", "--", "ls")
	if !apierror.Is(err, apierror.Unauthorized) {
		t.Fatalf("exec error = %v, want Unauthorized", err)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	if err := f.run([]string{"status"}, ""); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := f.stdout.String(); !strings.Contains(got, "ok (role manager, version test)") {
		t.Errorf("health output = %q", got)
	}

	record, _ := f.queue.Submit("uname -a")
	f.queue.ClaimNextPending()
	f.queue.ReportResult(record.ID, cmdqueue.Result{Output: "Linux", ExitCode: 0})
	if err := f.run([]string{"status"}, testAPIKey, record.ID); err != nil {
		t.Fatalf("status %s: %v", record.ID, err)
	}
	got := f.stdout.String()
	for _, want := range []string{record.ID, "uname -a", "completed", "exit code", "Linux\n"} {
		if !strings.Contains(got, want) {
			t.Errorf("status output missing %q:\n%s", want, got)
		}
	}

	err := f.run([]string{"status"}, testAPIKey, "no-such-command")
	if !apierror.Is(err, apierror.NotFound) {
		t.Errorf("status for unknown id = %v, want NotFound", err)
	}
}

func TestCommandsListing(t *testing.T) {
	f := newFixture(t)
	if err := f.run([]string{"commands"}, testAPIKey); err != nil {
		t.Fatalf("commands: %v", err)
	}
	if got := f.stdout.String(); got != "No commands.\n" {
		t.Errorf("empty listing = %q", got)
	}

	f.queue.Submit("echo one")
	f.queue.Submit("echo two")
	if err := f.run([]string{"commands"}, testAPIKey); err != nil {
		t.Fatalf("commands: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(f.stdout.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "ID") {
		t.Fatalf("listing = %q", f.stdout.String())
	}
	if !strings.HasSuffix(lines[1], "echo one") || !strings.HasSuffix(lines[2], "echo two") {
		t.Errorf("rows out of submission order: %q", lines[1:])
	}
}

func TestInstances(t *testing.T) {
	f := newFixture(t)
	if _, err := f.registry.Upsert(registry.Heartbeat{ID: "inst-1", Name: "alpha", RunAt: "http://127.0.0.1:9001"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := f.run([]string{"instances", "list"}, testAPIKey); err != nil {
		t.Fatalf("instances list: %v", err)
	}
	got := f.stdout.String()
	for _, want := range []string{"inst-1", "alpha", "online", "http://127.0.0.1:9001"} {
		if !strings.Contains(got, want) {
			t.Errorf("list output missing %q:\n%s", want, got)
		}
	}

	if err := f.run([]string{"instances", "rename"}, testAPIKey, "inst-1", "beta"); err != nil {
		t.Fatalf("instances rename: %v", err)
	}
	if f.orchestrator.renamed["inst-1"] != "beta" {
		t.Errorf("renamed = %v", f.orchestrator.renamed)
	}

	if err := f.run([]string{"instances", "create"}, testAPIKey, "--name", "gamma", "--port", "8123"); err != nil {
		t.Fatalf("instances create: %v", err)
	}
	if got := f.stdout.String(); got != "created inst-new (gamma) at http://127.0.0.1:8123\n" {
		t.Errorf("create output = %q", got)
	}

	if err := f.run([]string{"instances", "terminate"}, testAPIKey, "inst-1"); err != nil {
		t.Fatalf("instances terminate: %v", err)
	}
	if got := f.stdout.String(); !strings.Contains(got, "terminate requested: true") || !strings.Contains(got, "worker (pid 4242)") {
		t.Errorf("terminate output = %q", got)
	}

	err := f.run([]string{"instances", "start"}, testAPIKey, "inst-1")
	if !apierror.Is(err, apierror.Unsupported) {
		t.Errorf("start error = %v, want Unsupported", err)
	}
	if err := f.run([]string{"instances", "rename"}, testAPIKey, "inst-1"); err == nil {
		t.Error("rename with one argument succeeded")
	}
}

func TestLoginAndLogout(t *testing.T) {
	f := newFixture(t)
	previous := stdin
	t.Cleanup(func() { stdin = previous })

	stdin = strings.NewReader("wrong\n")
	err := f.run([]string{"login"}, "", "--username", "admin", "--password-stdin")
	if !apierror.Is(err, apierror.Unauthorized) {
		t.Fatalf("login with wrong password = %v, want Unauthorized", err)
	}

	stdin = strings.NewReader("hunter2\n")
	if err := f.run([]string{"login"}, "", "--username", "admin", "--password-stdin"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.HasPrefix(f.stdout.String(), "logged in as admin") {
		t.Errorf("login output = %q", f.stdout.String())
	}
	info, err := os.Stat(f.sessionFile)
	if err != nil {
		t.Fatalf("session file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("session file mode = %v, want 0600", info.Mode().Perm())
	}

	// The saved session authenticates instance commands without a key.
	if err := f.run([]string{"instances", "list"}, ""); err != nil {
		t.Fatalf("instances list with session: %v", err)
	}

	rootCommand := root()
	rootCommand.Output = io.Discard
	if err := rootCommand.Execute(context.Background(), []string{"logout", "--session-file", f.sessionFile, "stray"}); err == nil {
		t.Error("logout accepted a stray argument")
	}
	if err := rootCommand.Execute(context.Background(), []string{"logout", "--session-file", f.sessionFile}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := os.Stat(f.sessionFile); !os.IsNotExist(err) {
		t.Errorf("session file still present after logout: %v", err)
	}
	if err := f.run([]string{"instances", "list"}, ""); !apierror.Is(err, apierror.Unauthorized) {
		t.Errorf("instances list after logout = %v, want Unauthorized", err)
	}
}

func TestFormatFlag(t *testing.T) {
	f := newFixture(t)
	if err := f.run([]string{"status"}, "", "--format", "cbor"); err != nil {
		t.Fatalf("status over CBOR: %v", err)
	}
	if err := f.run([]string{"status"}, "", "--format", "xml"); err == nil {
		t.Error("--format xml accepted")
	}
}

func TestReadSessionMissingFile(t *testing.T) {
	token, err := readSession(filepath.Join(t.TempDir(), "absent"))
	if err != nil || token != "" {
		t.Errorf("readSession = (%q, %v), want empty and no error", token, err)
	}
}
