// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package heartbeat keeps an instance's registry entry fresh and
// watches for administrative commands addressed to it.
//
// [Agent.Run] posts one heartbeat immediately and then one per
// interval. Each response carries the registry's pending commands for
// the instance; a terminate command ends Run with
// [ErrTerminateRequested] so the hosting process can shut its terminal
// down and exit. Heartbeat failures are logged and retried on the next
// tick: a registry that is briefly unreachable only makes the instance
// read offline.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bureau-foundation/vmbridge/lib/clock"
	"github.com/bureau-foundation/vmbridge/lib/registry"
)

// Defaults for Config.
const (
	DefaultInterval = 3 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// ErrTerminateRequested is returned by Run when the registry asks the
// instance to terminate.
var ErrTerminateRequested = errors.New("heartbeat: terminate requested")

// Client delivers one heartbeat and returns the registry's pending
// commands for the instance.
type Client interface {
	Heartbeat(ctx context.Context, heartbeat registry.Heartbeat) ([]registry.Command, error)
}

// Local is a Client for a registry in the same process.
type Local struct {
	Registry *registry.Registry
}

// Heartbeat implements Client.
func (l Local) Heartbeat(_ context.Context, heartbeat registry.Heartbeat) ([]registry.Command, error) {
	_, commands, err := l.Registry.Beat(heartbeat)
	return commands, err
}

// Config configures an Agent.
type Config struct {
	Client Client
	Clock  clock.Clock
	Logger *slog.Logger

	// Identity is the heartbeat payload. ID is required.
	Identity registry.Heartbeat

	// Interval between heartbeats. Zero uses DefaultInterval.
	Interval time.Duration

	// Timeout bounds each heartbeat call. Zero uses DefaultTimeout.
	Timeout time.Duration
}

// Agent sends heartbeats for one instance.
type Agent struct {
	client   Client
	clock    clock.Clock
	logger   *slog.Logger
	identity registry.Heartbeat
	interval time.Duration
	timeout  time.Duration
}

// New returns an Agent. Client, Clock, Logger, and Identity.ID are
// required.
func New(config Config) (*Agent, error) {
	if config.Client == nil {
		return nil, errors.New("heartbeat: client is required")
	}
	if config.Clock == nil {
		return nil, errors.New("heartbeat: clock is required")
	}
	if config.Logger == nil {
		return nil, errors.New("heartbeat: logger is required")
	}
	if config.Identity.ID == "" {
		return nil, errors.New("heartbeat: instance id is required")
	}
	agent := &Agent{
		client:   config.Client,
		clock:    config.Clock,
		logger:   config.Logger.With("instance_id", config.Identity.ID),
		identity: config.Identity,
		interval: config.Interval,
		timeout:  config.Timeout,
	}
	if agent.interval <= 0 {
		agent.interval = DefaultInterval
	}
	if agent.timeout <= 0 {
		agent.timeout = DefaultTimeout
	}
	return agent, nil
}

// Run heartbeats until ctx is done (returning nil) or the registry
// requests termination (returning ErrTerminateRequested).
func (a *Agent) Run(ctx context.Context) error {
	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info("heartbeat started", "interval", a.interval)
	for {
		if a.Beat(ctx) {
			a.logger.Info("terminate requested by registry")
			return ErrTerminateRequested
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Beat sends one heartbeat and reports whether the response asked the
// instance to terminate. Errors are logged.
func (a *Agent) Beat(ctx context.Context) (terminate bool) {
	callContext, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	commands, err := a.client.Heartbeat(callContext, a.identity)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("heartbeat failed", "error", err)
		}
		return false
	}
	for _, command := range commands {
		if command.Type == registry.CommandTerminate {
			return true
		}
	}
	return false
}
