// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/bureau-foundation/vmbridge/lib/apierror"
	"github.com/bureau-foundation/vmbridge/lib/clock"
	"github.com/bureau-foundation/vmbridge/lib/logtail"
	"github.com/bureau-foundation/vmbridge/lib/netutil"
	"github.com/bureau-foundation/vmbridge/lib/process"
)

// child is a process started by the orchestrator. A goroutine waits on
// it so exits are reaped promptly and visible through done.
type child struct {
	kind    string
	command *exec.Cmd
	output  *logtail.Tail
	done    chan struct{}
	state   *os.ProcessState
}

func (c *child) pid() int { return c.command.Process.Pid }

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *child) alive() bool {
	return !c.exited() && process.Alive(c.pid())
}

// exitDescription renders the exit the way the readiness error reports
// it: the code for a normal exit, the signal otherwise.
func (c *child) exitDescription() string {
	code, signal := "null", "null"
	if c.state != nil {
		if status, ok := c.state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			signal = status.Signal().String()
		} else {
			code = strconv.Itoa(c.state.ExitCode())
		}
	}
	return "code=" + code + ", signal=" + signal
}

func start(kind string, command *exec.Cmd, output *logtail.Tail) (*child, error) {
	if err := command.Start(); err != nil {
		return nil, err
	}
	started := &child{kind: kind, command: command, output: output, done: make(chan struct{})}
	go func() {
		command.Wait()
		started.state = command.ProcessState
		close(started.done)
	}()
	return started, nil
}

func (o *Orchestrator) spawnWorker(id string, port int, diskSource string) (*child, error) {
	argv := o.workerCommand(port)
	if len(argv) == 0 {
		return nil, apierror.New(apierror.Internal, "worker command is empty")
	}

	logFile, err := os.OpenFile(o.workerLogPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apierror.Wrap(apierror.Internal, fmt.Errorf("opening worker log: %w", err))
	}
	defer logFile.Close()

	output := logtail.New(logtail.DefaultSize)
	command := exec.Command(argv[0], argv[1:]...)
	command.Env = append(append([]string(nil), o.env...),
		"DISK_SOURCE="+diskSource,
		"API_KEY="+o.apiKey,
	)
	writer := io.MultiWriter(output, logFile)
	command.Stdout = writer
	command.Stderr = writer
	// Own process group, so terminal signals aimed at the manager do
	// not take its workers down with it.
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	worker, err := start("server", command, output)
	if err != nil {
		return nil, apierror.New(apierror.Internal, "Failed to spawn VM server: %v", err)
	}
	return worker, nil
}

// waitForReady returns once the worker accepts connections on port. A
// worker that exits first fails with Upstream; one whose port stays
// closed past the ready timeout fails with Timeout. Failure messages
// carry the worker's recent output.
func (o *Orchestrator) waitForReady(ctx context.Context, worker *child, port int) error {
	readyContext, cancel := context.WithTimeout(ctx, o.readyTimeout)
	defer cancel()

	portOpen := make(chan error, 1)
	go func() { portOpen <- netutil.WaitForPort(readyContext, o.clock, port, netutil.DefaultPortRetry) }()

	kind := apierror.Upstream
	var failure string
	select {
	case err := <-portOpen:
		if err == nil {
			return nil
		}
		if errors.Is(readyContext.Err(), context.DeadlineExceeded) {
			kind = apierror.Timeout
		}
		failure = err.Error()
	case <-worker.done:
		failure = "Process exited early (" + worker.exitDescription() + ")"
	}

	if failure == "" {
		failure = fmt.Sprintf("Failed to start VM server on port %d", port)
	}
	if logs := strings.TrimSpace(worker.output.String()); logs != "" {
		failure += "\n\n--- server output ---\n" + logs
	}
	return apierror.New(kind, "%s", failure)
}

type agentEnvironment struct {
	url, id, name, diskSource string
}

// spawnAgent starts a detached agent with output appended to logPath,
// then checks that it is still running after the check delay.
func (o *Orchestrator) spawnAgent(ctx context.Context, environment agentEnvironment, logPath string) (*child, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apierror.Wrap(apierror.Internal, fmt.Errorf("opening agent log: %w", err))
	}
	// The child holds its own descriptor once started.
	defer logFile.Close()

	command := exec.Command(o.agentCommand[0], o.agentCommand[1:]...)
	command.Env = append(append([]string(nil), o.env...),
		"WEBVM_URL="+environment.url,
		"WEBVM_ID="+environment.id,
		"WEBVM_NAME="+environment.name,
		"DISK_SOURCE="+environment.diskSource,
		"API_KEY="+o.apiKey,
		"VMBRIDGE_REGISTRY_URL="+o.registryURL,
		"HEADLESS=true",
	)
	command.Stdout = logFile
	command.Stderr = logFile
	command.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	agent, err := start("headless", command, nil)
	if err != nil {
		return nil, apierror.New(apierror.Internal, "Failed to spawn headless runner: %v", err)
	}

	if err := clock.SleepContext(ctx, o.clock, o.agentCheckDelay); err != nil {
		o.kill(agent, o.logger)
		return nil, err
	}
	if !agent.alive() {
		return nil, apierror.New(apierror.Upstream,
			"Headless runner failed to start for VM %s. See log: %s", environment.id, logPath)
	}
	return agent, nil
}

// kill signals a child spawned during a failed provisioning attempt.
func (o *Orchestrator) kill(c *child, logger *slog.Logger) {
	if c.exited() {
		return
	}
	if err := process.Terminate(c.pid()); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Warn("rollback kill failed", "type", c.kind, "pid", c.pid(), "error", err)
		return
	}
	logger.Info("rolled back process", "type", c.kind, "pid", c.pid())
}
