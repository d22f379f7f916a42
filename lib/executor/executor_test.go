// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/vmbridge/lib/clock"
	"github.com/bureau-foundation/vmbridge/lib/cmdqueue"
	"github.com/bureau-foundation/vmbridge/lib/marker"
	"github.com/bureau-foundation/vmbridge/lib/terminal"
	"github.com/bureau-foundation/vmbridge/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func whoami(command string) string {
	if command == "whoami" {
		return "root"
	}
	return "sh: " + command + ": not found"
}

func newExecutor(t *testing.T, source Source, term terminal.Terminal, fakeClock *clock.FakeClock, attempts int) *Executor {
	t.Helper()
	return New(Config{
		Source:       source,
		Terminal:     term,
		Clock:        fakeClock,
		Logger:       discardLogger(),
		ScanAttempts: attempts,
	})
}

func runExecute(executor *Executor, claim Claim) <-chan cmdqueue.Result {
	results := make(chan cmdqueue.Result, 1)
	go func() { results <- executor.Execute(context.Background(), claim) }()
	return results
}

func TestExecuteCapturesOutput(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	term := terminal.NewFake("user@vm:~$ ", terminal.MarkerShell(whoami))
	executor := newExecutor(t, QueueSource{}, term, fakeClock, 0)

	results := runExecute(executor, Claim{ID: "cmd_1", Command: "whoami"})
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(DefaultSettleDelay)

	result := testutil.RequireReceive(t, results, 5*time.Second, "Execute")
	if result.Output != "root" || result.Error != "" || result.ExitCode != 0 {
		t.Errorf("result = %+v, want root/\"\"/0", result)
	}

	sent := term.Sent()
	if len(sent) != 1 || sent[0] != (marker.Sentinel{}).Wrap("cmd_1", "whoami") {
		t.Errorf("sent = %q", sent)
	}
}

func TestExecuteMultilineOutput(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	term := terminal.NewFake("$ ", terminal.MarkerShell(func(string) string {
		return "\x1b[1;34mbin\x1b[0m\netc\nusr\n"
	}))
	executor := newExecutor(t, QueueSource{}, term, fakeClock, 0)

	results := runExecute(executor, Claim{ID: "cmd_ls", Command: "ls --color /"})
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(DefaultSettleDelay)

	result := testutil.RequireReceive(t, results, 5*time.Second, "Execute")
	if result.Output != "bin\netc\nusr" {
		t.Errorf("output = %q", result.Output)
	}
}

func TestExecuteTimesOut(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	term := terminal.NewFake("$ ", terminal.HangingShell(func(string) string { return "partial" }))
	executor := newExecutor(t, QueueSource{}, term, fakeClock, 3)

	results := runExecute(executor, Claim{ID: "cmd_slow", Command: "sleep 999"})
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(DefaultSettleDelay)
	for range 2 {
		fakeClock.WaitForTimers(1)
		fakeClock.Advance(DefaultScanInterval)
	}

	result := testutil.RequireReceive(t, results, 5*time.Second, "Execute")
	if result.Output != marker.TimeoutOutput || result.Error != marker.TimeoutError || result.ExitCode != TimeoutExitCode {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteResolvesLateMarker(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	term := terminal.NewFake("$ ", terminal.HangingShell(func(string) string { return "working" }))
	executor := newExecutor(t, QueueSource{}, term, fakeClock, 0)

	results := runExecute(executor, Claim{ID: "cmd_late", Command: "make"})
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(DefaultSettleDelay)
	fakeClock.WaitForTimers(1)
	term.Print("done", (marker.Sentinel{}).EndMarker("cmd_late"))
	fakeClock.Advance(DefaultScanInterval)

	result := testutil.RequireReceive(t, results, 5*time.Second, "Execute")
	if result.Output != "working\ndone" || result.ExitCode != 0 {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteIgnoresLinesBeforeSend(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	sentinel := marker.Sentinel{}
	term := terminal.NewFake("$ ", terminal.HangingShell(func(string) string { return "" }))
	term.Print(sentinel.StartMarker("cmd_again"), "stale", sentinel.EndMarker("cmd_again"), "$ ")
	executor := newExecutor(t, QueueSource{}, term, fakeClock, 1)

	results := runExecute(executor, Claim{ID: "cmd_again", Command: "true"})
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(DefaultSettleDelay)

	result := testutil.RequireReceive(t, results, 5*time.Second, "Execute")
	if result.Output != marker.TimeoutOutput {
		t.Errorf("output = %q, want the timeout sentinel (stale markers must be ignored)", result.Output)
	}
}

func TestExecuteFindsMarkerAfterScrollbackTrim(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	term := terminal.NewFake("$ ", terminal.HangingShell(func(string) string { return "working" }))
	for index := range 10 {
		term.Print("old output " + strings.Repeat("x", index))
	}
	executor := newExecutor(t, QueueSource{}, term, fakeClock, 0)

	results := runExecute(executor, Claim{ID: "cmd_trim", Command: "make"})
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(DefaultSettleDelay)
	fakeClock.WaitForTimers(1)
	term.Discard(10)
	term.Print("done", (marker.Sentinel{}).EndMarker("cmd_trim"))
	fakeClock.Advance(DefaultScanInterval)

	result := testutil.RequireReceive(t, results, 5*time.Second, "Execute")
	if result.Output != "working\ndone" || result.ExitCode != 0 {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteSendFailure(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	term := terminal.NewFake("$ ", nil)
	term.FailSends(errors.New("session gone"))
	executor := newExecutor(t, QueueSource{}, term, fakeClock, 0)

	results := runExecute(executor, Claim{ID: "cmd_x", Command: "ls"})
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(DefaultSettleDelay)

	result := testutil.RequireReceive(t, results, 5*time.Second, "Execute")
	if result.ExitCode != 1 || !strings.Contains(result.Error, "session gone") {
		t.Errorf("result = %+v", result)
	}
}

func TestPollEndToEndWhoami(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	queue := cmdqueue.New(cmdqueue.Config{Clock: fakeClock})
	term := terminal.NewFake("user@vm:~$ ", terminal.MarkerShell(whoami))

	var reported []cmdqueue.Result
	executor := New(Config{
		Source:   QueueSource{Queue: queue},
		Terminal: term,
		Clock:    fakeClock,
		Logger:   discardLogger(),
		OnResult: func(_ Claim, result cmdqueue.Result) { reported = append(reported, result) },
	})

	record, err := queue.Submit("whoami")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	polled := make(chan bool, 1)
	go func() { polled <- executor.Poll(context.Background()) }()
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(DefaultSettleDelay)
	if !testutil.RequireReceive(t, polled, 5*time.Second, "Poll") {
		t.Fatal("Poll ran nothing")
	}

	got, err := queue.Get(record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != cmdqueue.StatusCompleted || got.Output != "root" {
		t.Errorf("record = %+v, want completed/root", got)
	}
	if len(reported) != 1 || reported[0].Output != "root" {
		t.Errorf("OnResult saw %+v", reported)
	}
}

func TestPollEmptyQueue(t *testing.T) {
	queue := cmdqueue.New(cmdqueue.Config{Clock: clock.Fake(epoch)})
	term := terminal.NewFake("$ ", nil)
	executor := newExecutor(t, QueueSource{Queue: queue}, term, clock.Fake(epoch), 0)

	if executor.Poll(context.Background()) {
		t.Error("Poll ran something on an empty queue")
	}
	if len(term.Sent()) != 0 {
		t.Errorf("terminal received %q", term.Sent())
	}
}

type scriptedSource struct {
	mu        sync.Mutex
	claims    []Claim
	nextErr   error
	reportErr error
	reports   map[string]cmdqueue.Result
	polls     atomic.Int32
}

func (s *scriptedSource) Next(context.Context) (Claim, bool, error) {
	s.polls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextErr != nil {
		return Claim{}, false, s.nextErr
	}
	if len(s.claims) == 0 {
		return Claim{}, false, nil
	}
	claim := s.claims[0]
	s.claims = s.claims[1:]
	return claim, true, nil
}

func (s *scriptedSource) Report(_ context.Context, id string, result cmdqueue.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reports == nil {
		s.reports = make(map[string]cmdqueue.Result)
	}
	s.reports[id] = result
	return s.reportErr
}

func TestPollSwallowsSourceErrors(t *testing.T) {
	source := &scriptedSource{nextErr: errors.New("connection refused")}
	executor := newExecutor(t, source, terminal.NewFake("$ ", nil), clock.Fake(epoch), 0)

	if executor.Poll(context.Background()) {
		t.Error("Poll reported work despite a failing source")
	}
}

func TestPollReportFailureStillCompletes(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	source := &scriptedSource{
		claims:    []Claim{{ID: "cmd_r", Command: "whoami"}},
		reportErr: errors.New("server went away"),
	}
	executor := newExecutor(t, source, terminal.NewFake("$ ", terminal.MarkerShell(whoami)), fakeClock, 0)

	polled := make(chan bool, 1)
	go func() { polled <- executor.Poll(context.Background()) }()
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(DefaultSettleDelay)
	if !testutil.RequireReceive(t, polled, 5*time.Second, "Poll") {
		t.Fatal("Poll ran nothing")
	}
	if source.reports["cmd_r"].Output != "root" {
		t.Errorf("report = %+v", source.reports["cmd_r"])
	}
}

// blockingSource hangs every call until its context ends.
type blockingSource struct {
	claim    Claim
	reported chan error
}

func (s *blockingSource) Next(ctx context.Context) (Claim, bool, error) {
	if s.claim.ID != "" {
		return s.claim, true, nil
	}
	<-ctx.Done()
	return Claim{}, false, ctx.Err()
}

func (s *blockingSource) Report(ctx context.Context, _ string, _ cmdqueue.Result) error {
	<-ctx.Done()
	s.reported <- ctx.Err()
	return ctx.Err()
}

func TestPollBoundsHungNext(t *testing.T) {
	executor := New(Config{
		Source:      &blockingSource{},
		Terminal:    terminal.NewFake("$ ", nil),
		Clock:       clock.Fake(epoch),
		Logger:      discardLogger(),
		CallTimeout: 50 * time.Millisecond,
	})
	polled := make(chan bool, 1)
	go func() { polled <- executor.Poll(context.Background()) }()
	if testutil.RequireReceive(t, polled, 5*time.Second, "Poll against a hung source") {
		t.Error("Poll reported work from a hung source")
	}
}

func TestPollBoundsHungReport(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	source := &blockingSource{claim: Claim{ID: "cmd_h", Command: "whoami"}, reported: make(chan error, 1)}
	executor := New(Config{
		Source:      source,
		Terminal:    terminal.NewFake("$ ", terminal.MarkerShell(whoami)),
		Clock:       fakeClock,
		Logger:      discardLogger(),
		CallTimeout: 50 * time.Millisecond,
	})
	polled := make(chan bool, 1)
	go func() { polled <- executor.Poll(context.Background()) }()
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(DefaultSettleDelay)

	err := testutil.RequireReceive(t, source.reported, 5*time.Second, "Report deadline")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Report context ended with %v, want DeadlineExceeded", err)
	}
	if !testutil.RequireReceive(t, polled, 5*time.Second, "Poll") {
		t.Error("Poll ran nothing")
	}
}

func TestRunPollsUntilCancelled(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	source := &scriptedSource{}
	executor := newExecutor(t, source, terminal.NewFake("$ ", nil), fakeClock, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- executor.Run(ctx) }()

	for range 3 {
		fakeClock.WaitForTimers(1)
		fakeClock.Advance(DefaultPollInterval)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return source.polls.Load() == 3 },
		"expected three polls")

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Run"); err != nil {
		t.Errorf("Run returned %v", err)
	}
}
