// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/vmbridge/lib/process"
)

// KilledProcess names a process that was signalled.
type KilledProcess struct {
	Type string `json:"type"`
	PID  int    `json:"pid"`
}

// KillFailure names a process that could not be signalled.
type KillFailure struct {
	Type  string `json:"type"`
	PID   int    `json:"pid"`
	Error string `json:"error"`
}

// TerminateResult reports both phases of a termination.
type TerminateResult struct {
	// TerminateRequested is true once the registry has queued the
	// terminate command for the agent.
	TerminateRequested bool `json:"terminateRequested"`

	Killed []KilledProcess `json:"killed"`
	Errors []KillFailure   `json:"errors"`
}

// Terminate stops an instance. The registry is asked to deliver a
// terminate command on the agent's next heartbeat, the agent and worker
// pids recorded in the instance metadata are sent SIGTERM, and the
// instance is marked stopped regardless of how the signals fared.
func (o *Orchestrator) Terminate(_ context.Context, id string) (TerminateResult, error) {
	instance, err := o.registry.Get(id)
	if err != nil {
		return TerminateResult{}, err
	}
	logger := o.logger.With("instance_id", id)

	result := TerminateResult{Killed: []KilledProcess{}, Errors: []KillFailure{}}
	if err := o.registry.RequestTerminate(id); err == nil {
		result.TerminateRequested = true
	}

	targets := []struct {
		kind string
		pid  int
	}{
		{"headless", MetaInt(instance.Meta, MetaPID)},
		{"server", MetaInt(instance.Meta, MetaServerPID)},
	}
	for _, target := range targets {
		if target.pid <= 0 {
			continue
		}
		if err := process.Terminate(target.pid); err != nil {
			logger.Warn("terminate signal failed", "type", target.kind, "pid", target.pid, "error", err)
			result.Errors = append(result.Errors, KillFailure{Type: target.kind, PID: target.pid, Error: err.Error()})
			continue
		}
		result.Killed = append(result.Killed, KilledProcess{Type: target.kind, PID: target.pid})
	}

	if err := o.registry.MarkStopped(id); err != nil {
		return result, err
	}
	logger.Info("instance terminated", "killed", len(result.Killed), "errors", len(result.Errors))
	return result, nil
}

// Rename changes an instance's display name.
func (o *Orchestrator) Rename(id, name string) error {
	return o.registry.Rename(id, name)
}

// Delete forgets an instance and archives its logs. It does not stop
// processes; terminate first.
func (o *Orchestrator) Delete(id string) error {
	instance, err := o.registry.Get(id)
	if err != nil {
		return err
	}
	if err := o.registry.Remove(id); err != nil {
		return err
	}

	agentLog, _ := instance.Meta[MetaHeadlessLogPath].(string)
	if agentLog == "" {
		agentLog = o.agentLogPath(id)
	}
	for _, path := range []string{agentLog, o.workerLogPath(id)} {
		archived, err := ArchiveLog(path)
		if err != nil {
			o.logger.Warn("archiving instance log failed", "instance_id", id, "path", path, "error", err)
			continue
		}
		if archived != "" {
			o.logger.Info("instance log archived", "instance_id", id, "path", archived)
		}
	}
	return nil
}

// ArchiveLog compresses path to path+".zst" and removes the original.
// It returns the archive path, or "" when path does not exist.
func ArchiveLog(path string) (string, error) {
	source, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer source.Close()

	archivePath := path + ".zst"
	destination, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	encoder, err := zstd.NewWriter(destination, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		destination.Close()
		return "", err
	}
	if _, err := io.Copy(encoder, source); err != nil {
		encoder.Close()
		destination.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("compressing %s: %w", path, err)
	}
	if err := encoder.Close(); err != nil {
		destination.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("compressing %s: %w", path, err)
	}
	if err := destination.Close(); err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("removing archived log: %w", err)
	}
	return archivePath, nil
}
