// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"testing"
	"time"

	"github.com/bureau-foundation/vmbridge/lib/apierror"
	"github.com/bureau-foundation/vmbridge/lib/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(epoch)
	return New(fake), fake
}

func TestUpsertDefaultsNameToID(t *testing.T) {
	registry, _ := newTestRegistry(t)
	instance, err := registry.Upsert(Heartbeat{ID: "webvm_1"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if instance.Name != "webvm_1" {
		t.Errorf("Name = %q, want id", instance.Name)
	}
	if !instance.CreatedAt.Equal(epoch) || !instance.LastSeenAt.Equal(epoch) {
		t.Errorf("timestamps = %v / %v, want %v", instance.CreatedAt, instance.LastSeenAt, epoch)
	}
	if instance.Meta == nil {
		t.Error("Meta is nil, want empty map")
	}
}

func TestUpsertRequiresID(t *testing.T) {
	registry, _ := newTestRegistry(t)
	if _, err := registry.Upsert(Heartbeat{Name: "x"}); !apierror.Is(err, apierror.BadRequest) {
		t.Fatalf("Upsert error = %v, want BadRequest", err)
	}
}

func TestUpsertMergesFields(t *testing.T) {
	registry, fake := newTestRegistry(t)
	registry.Upsert(Heartbeat{
		ID:    "webvm_1",
		Name:  "dev",
		RunAt: "http://localhost:5173",
		API:   "http://localhost:5173/api",
		Meta:  map[string]any{"pid": 42},
	})
	fake.Advance(5 * time.Second)

	instance, err := registry.Upsert(Heartbeat{ID: "webvm_1", RunAt: "http://localhost:5174"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if instance.Name != "dev" || instance.API != "http://localhost:5173/api" {
		t.Errorf("unset fields not preserved: %+v", instance)
	}
	if instance.RunAt != "http://localhost:5174" {
		t.Errorf("RunAt = %q, want updated value", instance.RunAt)
	}
	if instance.Meta["pid"] != 42 {
		t.Errorf("Meta = %v, want preserved pid", instance.Meta)
	}
	if !instance.CreatedAt.Equal(epoch) {
		t.Errorf("CreatedAt changed to %v", instance.CreatedAt)
	}
	if want := epoch.Add(5 * time.Second); !instance.LastSeenAt.Equal(want) {
		t.Errorf("LastSeenAt = %v, want %v", instance.LastSeenAt, want)
	}
}

func TestSnapshotsDoNotAlias(t *testing.T) {
	registry, _ := newTestRegistry(t)
	meta := map[string]any{"pid": 1}
	instance, _ := registry.Upsert(Heartbeat{ID: "a", Meta: meta})
	meta["pid"] = 2
	instance.Meta["pid"] = 3

	stored, _ := registry.Get("a")
	if stored.Meta["pid"] != 1 {
		t.Errorf("stored Meta mutated through a caller's map: %v", stored.Meta)
	}
}

func TestListOnlineTransitions(t *testing.T) {
	registry, fake := newTestRegistry(t)
	registry.Upsert(Heartbeat{ID: "a"})

	fake.Advance(DefaultStaleAfter)
	if list := registry.List(0); !list[0].Online {
		t.Error("instance offline at exactly the stale threshold")
	}

	fake.Advance(time.Millisecond)
	if list := registry.List(0); list[0].Online {
		t.Error("instance online past the stale threshold")
	}

	registry.Upsert(Heartbeat{ID: "a"})
	if list := registry.List(0); !list[0].Online {
		t.Error("instance offline after a fresh heartbeat")
	}
}

func TestListSortsByLastSeen(t *testing.T) {
	registry, fake := newTestRegistry(t)
	registry.Upsert(Heartbeat{ID: "old"})
	fake.Advance(time.Second)
	registry.Upsert(Heartbeat{ID: "mid"})
	fake.Advance(time.Second)
	registry.Upsert(Heartbeat{ID: "new"})
	registry.MarkStopped("mid")

	list := registry.List(0)
	var order []string
	for _, instance := range list {
		order = append(order, instance.ID)
	}
	want := []string{"new", "old", "mid"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestTerminateFlow(t *testing.T) {
	registry, _ := newTestRegistry(t)
	registry.Upsert(Heartbeat{ID: "a"})

	if commands := registry.PendingCommands("a"); len(commands) != 0 {
		t.Fatalf("PendingCommands = %v before any request", commands)
	}
	if err := registry.RequestTerminate("a"); err != nil {
		t.Fatalf("RequestTerminate: %v", err)
	}

	_, commands, err := registry.Beat(Heartbeat{ID: "a"})
	if err != nil {
		t.Fatalf("Beat: %v", err)
	}
	if len(commands) != 1 || commands[0].Type != CommandTerminate {
		t.Fatalf("Beat commands = %v, want one terminate", commands)
	}

	_, commands, _ = registry.Beat(Heartbeat{ID: "a"})
	if len(commands) != 0 {
		t.Fatalf("terminate delivered twice: %v", commands)
	}
}

func TestMarkStoppedIdempotent(t *testing.T) {
	registry, _ := newTestRegistry(t)
	registry.Upsert(Heartbeat{ID: "a", Name: "dev"})
	registry.RequestTerminate("a")

	if err := registry.MarkStopped("a"); err != nil {
		t.Fatalf("MarkStopped: %v", err)
	}
	first, _ := registry.Get("a")
	if err := registry.MarkStopped("a"); err != nil {
		t.Fatalf("second MarkStopped: %v", err)
	}
	second, _ := registry.Get("a")

	if !first.Stopped || !first.TerminateRequested || !first.LastSeenAt.IsZero() {
		t.Errorf("after MarkStopped: %+v", first)
	}
	if first.Stopped != second.Stopped || first.TerminateRequested != second.TerminateRequested ||
		!first.LastSeenAt.Equal(second.LastSeenAt) || first.Name != second.Name {
		t.Errorf("MarkStopped not idempotent: %+v then %+v", first, second)
	}
	if list := registry.List(0); list[0].Online {
		t.Error("stopped instance reported online")
	}
}

func TestTerminateSurvivesMarkStopped(t *testing.T) {
	registry, _ := newTestRegistry(t)
	registry.Upsert(Heartbeat{ID: "a"})
	registry.RequestTerminate("a")
	registry.MarkStopped("a")

	// The agent ignored its signal and heartbeats again.
	_, commands, err := registry.Beat(Heartbeat{ID: "a"})
	if err != nil {
		t.Fatalf("Beat: %v", err)
	}
	if len(commands) != 1 || commands[0].Type != CommandTerminate {
		t.Fatalf("commands = %v, want terminate", commands)
	}
	if _, commands, _ = registry.Beat(Heartbeat{ID: "a"}); len(commands) != 0 {
		t.Errorf("terminate delivered twice: %v", commands)
	}
}

func TestHeartbeatClearsStopped(t *testing.T) {
	registry, _ := newTestRegistry(t)
	registry.Upsert(Heartbeat{ID: "a"})
	registry.MarkStopped("a")

	instance, _ := registry.Upsert(Heartbeat{ID: "a"})
	if instance.Stopped {
		t.Error("heartbeat did not clear Stopped")
	}
}

func TestRenameAndRemove(t *testing.T) {
	registry, fake := newTestRegistry(t)
	registry.Upsert(Heartbeat{ID: "a"})
	fake.Advance(time.Second)

	if err := registry.Rename("a", "renamed"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	instance, _ := registry.Get("a")
	if instance.Name != "renamed" || !instance.LastSeenAt.Equal(epoch.Add(time.Second)) {
		t.Errorf("after Rename: %+v", instance)
	}
	if err := registry.Rename("a", ""); !apierror.Is(err, apierror.BadRequest) {
		t.Errorf("Rename empty error = %v, want BadRequest", err)
	}

	if err := registry.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := registry.Get("a"); !apierror.Is(err, apierror.NotFound) {
		t.Errorf("Get after Remove error = %v, want NotFound", err)
	}
}

func TestUnknownInstance(t *testing.T) {
	registry, _ := newTestRegistry(t)
	operations := map[string]func() error{
		"RequestTerminate": func() error { return registry.RequestTerminate("missing") },
		"MarkTerminated":   func() error { return registry.MarkTerminated("missing") },
		"MarkStopped":      func() error { return registry.MarkStopped("missing") },
		"Rename":           func() error { return registry.Rename("missing", "x") },
		"Remove":           func() error { return registry.Remove("missing") },
	}
	for name, operation := range operations {
		if err := operation(); !apierror.Is(err, apierror.NotFound) {
			t.Errorf("%s error = %v, want NotFound", name, err)
		}
	}
	if commands := registry.PendingCommands("missing"); len(commands) != 0 {
		t.Errorf("PendingCommands(missing) = %v", commands)
	}
}

func TestCounts(t *testing.T) {
	registry, fake := newTestRegistry(t)
	registry.Upsert(Heartbeat{ID: "stale"})
	fake.Advance(time.Minute)
	registry.Upsert(Heartbeat{ID: "live"})
	registry.Upsert(Heartbeat{ID: "stopped"})
	registry.MarkStopped("stopped")

	counts := registry.Counts(0)
	if counts["online"] != 1 || counts["offline"] != 1 || counts["stopped"] != 1 {
		t.Errorf("Counts = %v", counts)
	}
}
