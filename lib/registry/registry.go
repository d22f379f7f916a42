// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks running VM instances by heartbeat.
//
// Agents report themselves through [Registry.Upsert]; the manager reads
// liveness through [Registry.List] and signals agents by setting a
// terminate flag that the next heartbeat observes. Liveness is derived
// at read time from the last heartbeat and is never stored.
//
// Records live only in memory. A restarted manager relearns running
// instances from their next heartbeat.
package registry

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/vmbridge/lib/apierror"
	"github.com/bureau-foundation/vmbridge/lib/clock"
)

// DefaultStaleAfter is the heartbeat age past which an instance is
// reported offline.
const DefaultStaleAfter = 30 * time.Second

// CommandTerminate asks an agent to stop.
const CommandTerminate = "terminate"

// Command is an instruction delivered to an agent in a heartbeat
// response.
type Command struct {
	Type string `json:"type"`
}

// Heartbeat is what an agent reports. Empty fields and a nil Meta keep
// the previously stored value.
type Heartbeat struct {
	ID    string
	Name  string
	RunAt string
	API   string
	Meta  map[string]any
}

// Instance is a snapshot of one registered VM.
type Instance struct {
	ID                 string
	Name               string
	RunAt              string
	API                string
	Meta               map[string]any
	CreatedAt          time.Time
	LastSeenAt         time.Time
	TerminateRequested bool
	Stopped            bool

	// Online is computed by List and is false in other snapshots.
	Online bool
}

// Registry is the instance table. Safe for concurrent use.
type Registry struct {
	clock clock.Clock

	mu        sync.Mutex
	instances map[string]*Instance
}

// New returns an empty Registry.
func New(c clock.Clock) *Registry {
	if c == nil {
		panic("registry: clock is required")
	}
	return &Registry{clock: c, instances: make(map[string]*Instance)}
}

// Upsert records a heartbeat. A new instance's name defaults to its id.
// Every upsert refreshes LastSeenAt and clears Stopped.
func (r *Registry) Upsert(heartbeat Heartbeat) (Instance, error) {
	if heartbeat.ID == "" {
		return Instance{}, apierror.New(apierror.BadRequest, "missing id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	instance := r.instances[heartbeat.ID]
	if instance == nil {
		instance = &Instance{
			ID:        heartbeat.ID,
			Name:      heartbeat.ID,
			Meta:      map[string]any{},
			CreatedAt: now,
		}
		r.instances[heartbeat.ID] = instance
	}
	if heartbeat.Name != "" {
		instance.Name = heartbeat.Name
	}
	if heartbeat.RunAt != "" {
		instance.RunAt = heartbeat.RunAt
	}
	if heartbeat.API != "" {
		instance.API = heartbeat.API
	}
	if heartbeat.Meta != nil {
		instance.Meta = maps.Clone(heartbeat.Meta)
	}
	instance.LastSeenAt = now
	instance.Stopped = false
	return snapshot(instance), nil
}

// Beat handles one agent heartbeat: it upserts the instance and
// returns the commands pending for it. A delivered terminate command is
// cleared so later heartbeats do not repeat it.
func (r *Registry) Beat(heartbeat Heartbeat) (Instance, []Command, error) {
	instance, err := r.Upsert(heartbeat)
	if err != nil {
		return Instance{}, nil, err
	}
	commands := r.PendingCommands(instance.ID)
	for _, command := range commands {
		if command.Type == CommandTerminate {
			if err := r.MarkTerminated(instance.ID); err != nil {
				return Instance{}, nil, err
			}
		}
	}
	return instance, commands, nil
}

// Get returns a snapshot of the instance with id.
func (r *Registry) Get(id string) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance, err := r.lookupLocked(id)
	if err != nil {
		return Instance{}, err
	}
	return snapshot(instance), nil
}

// List returns every instance, most recently seen first, with Online
// set for those whose last heartbeat is at most staleAfter old. A
// non-positive staleAfter means [DefaultStaleAfter].
func (r *Registry) List(staleAfter time.Duration) []Instance {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	list := make([]Instance, 0, len(r.instances))
	for _, instance := range r.instances {
		entry := snapshot(instance)
		entry.Online = !entry.LastSeenAt.IsZero() && now.Sub(entry.LastSeenAt) <= staleAfter
		list = append(list, entry)
	}
	slices.SortStableFunc(list, func(a, b Instance) int {
		if c := b.LastSeenAt.Compare(a.LastSeenAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return list
}

// RequestTerminate flags the instance so its next heartbeat receives a
// terminate command.
func (r *Registry) RequestTerminate(id string) error {
	return r.mutate(id, func(instance *Instance, now time.Time) {
		instance.TerminateRequested = true
		instance.LastSeenAt = now
	})
}

// PendingCommands returns the commands the instance's agent should act
// on. Unknown instances have none.
func (r *Registry) PendingCommands(id string) []Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance := r.instances[id]
	if instance == nil || !instance.TerminateRequested {
		return []Command{}
	}
	return []Command{{Type: CommandTerminate}}
}

// MarkTerminated clears the terminate flag once it has been delivered.
func (r *Registry) MarkTerminated(id string) error {
	return r.mutate(id, func(instance *Instance, now time.Time) {
		instance.TerminateRequested = false
		instance.LastSeenAt = now
	})
}

// MarkStopped records that the instance's processes were stopped. The
// instance reads offline until its next heartbeat. A pending terminate
// request survives, so an agent that outlived its signal still receives
// it on that heartbeat. Repeated calls leave the same state.
func (r *Registry) MarkStopped(id string) error {
	return r.mutate(id, func(instance *Instance, _ time.Time) {
		instance.Stopped = true
		instance.LastSeenAt = time.Time{}
	})
}

// Rename changes the instance's display name.
func (r *Registry) Rename(id, name string) error {
	if name == "" {
		return apierror.New(apierror.BadRequest, "missing newName")
	}
	return r.mutate(id, func(instance *Instance, now time.Time) {
		instance.Name = name
		instance.LastSeenAt = now
	})
}

// Remove deletes the instance.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.lookupLocked(id); err != nil {
		return err
	}
	delete(r.instances, id)
	return nil
}

// Counts returns the number of online, offline, and stopped instances.
func (r *Registry) Counts(staleAfter time.Duration) map[string]int {
	counts := map[string]int{"online": 0, "offline": 0, "stopped": 0}
	for _, instance := range r.List(staleAfter) {
		switch {
		case instance.Stopped:
			counts["stopped"]++
		case instance.Online:
			counts["online"]++
		default:
			counts["offline"]++
		}
	}
	return counts
}

func (r *Registry) mutate(id string, apply func(*Instance, time.Time)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	apply(instance, r.clock.Now())
	return nil
}

func (r *Registry) lookupLocked(id string) (*Instance, error) {
	instance := r.instances[id]
	if instance == nil {
		return nil, apierror.New(apierror.NotFound, "instance %q not found", id)
	}
	return instance, nil
}

func snapshot(instance *Instance) Instance {
	copied := *instance
	copied.Meta = maps.Clone(instance.Meta)
	return copied
}
