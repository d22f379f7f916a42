// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor runs queued commands in an interactive terminal.
//
// An [Executor] polls a [Source] for the next pending command, types it
// into a [terminal.Terminal] wrapped in start and end markers, rescans
// the terminal until the end marker appears (or the scan budget runs
// out), and reports the captured output back to the source. One
// command is in flight at a time: the poll loop does not ask for more
// work until the current command has been reported.
//
// Failures talking to the source are logged and swallowed. The next
// poll tick retries, so a server restart or a network blip delays
// commands but never stops the executor.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/vmbridge/lib/clock"
	"github.com/bureau-foundation/vmbridge/lib/cmdqueue"
	"github.com/bureau-foundation/vmbridge/lib/marker"
	"github.com/bureau-foundation/vmbridge/lib/terminal"
)

// Defaults for Config.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultSettleDelay  = 200 * time.Millisecond
	DefaultScanInterval = 100 * time.Millisecond
	DefaultScanAttempts = 300
	DefaultCallTimeout  = 5 * time.Second
)

// TimeoutExitCode is reported when the end marker never appears.
const TimeoutExitCode = 124

// Claim is a command handed to the executor by a Source.
type Claim struct {
	ID      string
	Command string
}

// Source supplies commands and accepts their results.
type Source interface {
	// Next claims the next pending command. ok is false when the queue
	// is empty.
	Next(ctx context.Context) (claim Claim, ok bool, err error)

	// Report delivers the result of a claimed command.
	Report(ctx context.Context, id string, result cmdqueue.Result) error
}

// Config configures an Executor.
type Config struct {
	Source   Source
	Terminal terminal.Terminal
	Clock    clock.Clock
	Logger   *slog.Logger

	// Codec frames commands. Nil uses marker.Sentinel{}.
	Codec marker.Codec

	PollInterval time.Duration
	SettleDelay  time.Duration
	ScanInterval time.Duration
	ScanAttempts int

	// CallTimeout bounds each Source call, so a hung server only costs
	// the current poll. Zero uses DefaultCallTimeout.
	CallTimeout time.Duration

	// OnResult, when set, is called after each command resolves with
	// the result that was (or was attempted to be) reported.
	OnResult func(claim Claim, result cmdqueue.Result)
}

// Executor is the agent-side command loop.
type Executor struct {
	source   Source
	terminal terminal.Terminal
	clock    clock.Clock
	logger   *slog.Logger
	codec    marker.Codec
	onResult func(Claim, cmdqueue.Result)

	pollInterval time.Duration
	settleDelay  time.Duration
	scanInterval time.Duration
	scanAttempts int
	callTimeout  time.Duration

	busy atomic.Bool
}

// New returns an Executor. Source, Terminal, Clock, and Logger are
// required.
func New(config Config) *Executor {
	if config.Source == nil || config.Terminal == nil {
		panic("executor: Source and Terminal are required")
	}
	if config.Clock == nil {
		panic("executor: Clock is required")
	}
	if config.Logger == nil {
		panic("executor: Logger is required")
	}
	executor := &Executor{
		source:       config.Source,
		terminal:     config.Terminal,
		clock:        config.Clock,
		logger:       config.Logger,
		codec:        config.Codec,
		onResult:     config.OnResult,
		pollInterval: config.PollInterval,
		settleDelay:  config.SettleDelay,
		scanInterval: config.ScanInterval,
		scanAttempts: config.ScanAttempts,
		callTimeout:  config.CallTimeout,
	}
	if executor.codec == nil {
		executor.codec = marker.Sentinel{}
	}
	if executor.pollInterval <= 0 {
		executor.pollInterval = DefaultPollInterval
	}
	if executor.settleDelay <= 0 {
		executor.settleDelay = DefaultSettleDelay
	}
	if executor.scanInterval <= 0 {
		executor.scanInterval = DefaultScanInterval
	}
	if executor.scanAttempts <= 0 {
		executor.scanAttempts = DefaultScanAttempts
	}
	if executor.callTimeout <= 0 {
		executor.callTimeout = DefaultCallTimeout
	}
	return executor
}

// Run polls every PollInterval until ctx is done. The first poll
// happens one interval after Run starts. Returns nil on cancellation.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("command executor started", "poll_interval", e.pollInterval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("command executor stopped")
			return nil
		case <-e.clock.After(e.pollInterval):
			e.Poll(ctx)
		}
	}
}

// Poll performs one claim-execute-report cycle. It returns false when
// nothing ran: the source was empty or unreachable, or a command was
// already in flight.
func (e *Executor) Poll(ctx context.Context) bool {
	if !e.busy.CompareAndSwap(false, true) {
		return false
	}
	defer e.busy.Store(false)

	claim, ok, err := e.next(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("polling for commands failed", "error", err)
		}
		return false
	}
	if !ok {
		return false
	}

	e.logger.Info("executing command", "command_id", claim.ID, "command", claim.Command)
	result := e.Execute(ctx, claim)

	if err := e.report(ctx, claim.ID, result); err != nil {
		e.logger.Error("reporting command result failed",
			"command_id", claim.ID,
			"error", err,
		)
	} else {
		e.logger.Info("command result reported",
			"command_id", claim.ID,
			"exit_code", result.ExitCode,
		)
	}
	if e.onResult != nil {
		e.onResult(claim, result)
	}
	return true
}

func (e *Executor) next(ctx context.Context) (Claim, bool, error) {
	callContext, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.source.Next(callContext)
}

func (e *Executor) report(ctx context.Context, id string, result cmdqueue.Result) error {
	callContext, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.source.Report(callContext, id, result)
}

// Execute runs claim in the terminal and returns its result. It does
// not report. A command whose end marker never appears resolves to
// marker.TimeoutOutput with TimeoutExitCode. A failure to type the
// command resolves to an error result with exit code 1.
func (e *Executor) Execute(ctx context.Context, claim Claim) cmdqueue.Result {
	// Everything before this absolute index predates the command,
	// including marker lines left by earlier commands.
	startIndex := 0
	if lines, first, err := terminal.Window(ctx, e.terminal); err != nil {
		e.logger.Warn("reading terminal before send failed", "command_id", claim.ID, "error", err)
	} else {
		startIndex = first + len(lines)
	}

	if err := clock.SleepContext(ctx, e.clock, e.settleDelay); err != nil {
		return failed(err)
	}
	if err := e.terminal.Send(ctx, e.codec.Wrap(claim.ID, claim.Command)); err != nil {
		e.logger.Error("sending command to terminal failed", "command_id", claim.ID, "error", err)
		return failed(fmt.Errorf("sending command to terminal: %w", err))
	}

	for attempt := 1; ; attempt++ {
		lines, first, err := terminal.Window(ctx, e.terminal)
		if err != nil {
			e.logger.Warn("reading terminal failed", "command_id", claim.ID, "error", err)
		} else if start, end := e.codec.Scan(claim.ID, lines, max(startIndex-first, 0)); end >= 0 {
			if start < 0 {
				e.logger.Warn("end marker found without start marker", "command_id", claim.ID)
			}
			return cmdqueue.Result{Output: e.codec.Extract(lines, start, end)}
		}
		if attempt >= e.scanAttempts {
			break
		}
		if err := clock.SleepContext(ctx, e.clock, e.scanInterval); err != nil {
			return failed(err)
		}
	}

	e.logger.Warn("end marker not found", "command_id", claim.ID, "attempts", e.scanAttempts)
	return cmdqueue.Result{
		Output:   marker.TimeoutOutput,
		Error:    marker.TimeoutError,
		ExitCode: TimeoutExitCode,
	}
}

func failed(err error) cmdqueue.Result {
	return cmdqueue.Result{Error: err.Error(), ExitCode: 1}
}
