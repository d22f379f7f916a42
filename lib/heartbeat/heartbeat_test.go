// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package heartbeat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/vmbridge/lib/clock"
	"github.com/bureau-foundation/vmbridge/lib/registry"
	"github.com/bureau-foundation/vmbridge/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// signallingClient wraps a Client and reports each call on beats.
type signallingClient struct {
	inner Client
	err   error
	beats chan registry.Heartbeat
}

func (c *signallingClient) Heartbeat(ctx context.Context, heartbeat registry.Heartbeat) ([]registry.Command, error) {
	defer func() { c.beats <- heartbeat }()
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.Heartbeat(ctx, heartbeat)
}

func identity() registry.Heartbeat {
	return registry.Heartbeat{
		ID:    "webvm_1_abcd1234",
		Name:  "Build box",
		RunAt: "http://localhost:5637",
		API:   "http://localhost:5637/api",
		Meta:  map[string]any{"pid": 42},
	}
}

func TestRunBeatsImmediatelyThenOnInterval(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	reg := registry.New(fakeClock)
	client := &signallingClient{inner: Local{Registry: reg}, beats: make(chan registry.Heartbeat, 8)}
	agent, err := New(Config{Client: client, Clock: fakeClock, Logger: discardLogger(), Identity: identity()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	first := testutil.RequireReceive(t, client.beats, 5*time.Second, "immediate heartbeat")
	if first.ID != "webvm_1_abcd1234" {
		t.Errorf("heartbeat id = %q", first.ID)
	}
	instance, err := reg.Get(first.ID)
	if err != nil {
		t.Fatalf("instance not registered: %v", err)
	}
	if instance.Name != "Build box" || !instance.LastSeenAt.Equal(epoch) {
		t.Errorf("instance = %+v", instance)
	}

	fakeClock.Advance(DefaultInterval)
	testutil.RequireReceive(t, client.beats, 5*time.Second, "second heartbeat")
	instance, _ = reg.Get(first.ID)
	if !instance.LastSeenAt.Equal(epoch.Add(DefaultInterval)) {
		t.Errorf("lastSeenAt = %v, want refreshed", instance.LastSeenAt)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Run"); err != nil {
		t.Errorf("Run returned %v, want nil on cancellation", err)
	}
}

func TestRunStopsOnTerminate(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	reg := registry.New(fakeClock)
	client := &signallingClient{inner: Local{Registry: reg}, beats: make(chan registry.Heartbeat, 8)}
	agent, err := New(Config{Client: client, Clock: fakeClock, Logger: discardLogger(), Identity: identity()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- agent.Run(context.Background()) }()
	testutil.RequireReceive(t, client.beats, 5*time.Second, "first heartbeat")

	if err := reg.RequestTerminate("webvm_1_abcd1234"); err != nil {
		t.Fatalf("RequestTerminate: %v", err)
	}
	fakeClock.Advance(DefaultInterval)
	testutil.RequireReceive(t, client.beats, 5*time.Second, "terminating heartbeat")

	err = testutil.RequireReceive(t, done, 5*time.Second, "Run")
	if !errors.Is(err, ErrTerminateRequested) {
		t.Fatalf("Run returned %v, want ErrTerminateRequested", err)
	}
	instance, _ := reg.Get("webvm_1_abcd1234")
	if instance.TerminateRequested {
		t.Error("terminate flag not cleared after delivery")
	}
}

func TestRunSurvivesClientErrors(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	client := &signallingClient{err: errors.New("connection refused"), beats: make(chan registry.Heartbeat, 8)}
	agent, err := New(Config{Client: client, Clock: fakeClock, Logger: discardLogger(), Identity: identity()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	testutil.RequireReceive(t, client.beats, 5*time.Second, "first heartbeat")
	fakeClock.Advance(DefaultInterval)
	testutil.RequireReceive(t, client.beats, 5*time.Second, "heartbeat after failure")

	cancel()
	testutil.RequireReceive(t, done, 5*time.Second, "Run")
}

func TestBeatTimeout(t *testing.T) {
	blocking := clientFunc(func(ctx context.Context, _ registry.Heartbeat) ([]registry.Command, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	agent, err := New(Config{
		Client:   blocking,
		Clock:    clock.Fake(epoch),
		Logger:   discardLogger(),
		Identity: identity(),
		Timeout:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if agent.Beat(context.Background()) {
		t.Error("timed-out heartbeat reported terminate")
	}
}

type clientFunc func(context.Context, registry.Heartbeat) ([]registry.Command, error)

func (f clientFunc) Heartbeat(ctx context.Context, heartbeat registry.Heartbeat) ([]registry.Command, error) {
	return f(ctx, heartbeat)
}

func TestNewValidates(t *testing.T) {
	base := Config{Client: Local{}, Clock: clock.Fake(epoch), Logger: discardLogger(), Identity: identity()}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"client", func(c *Config) { c.Client = nil }},
		{"clock", func(c *Config) { c.Clock = nil }},
		{"logger", func(c *Config) { c.Logger = nil }},
		{"id", func(c *Config) { c.Identity.ID = "" }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := base
			test.mutate(&config)
			if _, err := New(config); err == nil {
				t.Errorf("New accepted config without %s", test.name)
			}
		})
	}
}
