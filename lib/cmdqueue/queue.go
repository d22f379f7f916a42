// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cmdqueue

import (
	"context"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/vmbridge/lib/apierror"
	"github.com/bureau-foundation/vmbridge/lib/clock"
)

// Status is a command record's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Resolved reports whether the status is terminal.
func (s Status) Resolved() bool {
	return s == StatusCompleted || s == StatusError
}

const (
	// DefaultRetention is how long a record survives after submission.
	DefaultRetention = 10 * time.Minute

	// DefaultPollInterval is the SubmitAndWait re-check cadence.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultMaxWait caps SubmitAndWait.
	DefaultMaxWait = 60 * time.Second

	// DefaultClaimTimeout is how long a running record may go
	// unreported before it stops blocking new claims. It covers the
	// executor's 30s marker budget plus settle time and a report round
	// trip.
	DefaultClaimTimeout = 45 * time.Second
)

// Claim expiry result. An executor that reports after expiry still
// overwrites it.
const (
	ClaimExpiredError    = "Claim expired"
	ClaimExpiredExitCode = 124
)

// Record is a snapshot of one command. Output, Error, ExitCode, and
// CompletedAt are meaningful only once Status is resolved.
type Record struct {
	ID          string
	Command     string
	Status      Status
	Output      string
	Error       string
	ExitCode    int
	CreatedAt   time.Time
	ClaimedAt   time.Time
	CompletedAt time.Time
}

// Result is what an executor reports for a claimed command.
type Result struct {
	Output   string
	Error    string
	ExitCode int
}

// IDGenerator returns a fresh command id on each call.
type IDGenerator func() string

// NewIDGenerator returns the default generator: "cmd_<unix-ms>_<9 random
// base-36 characters>".
func NewIDGenerator(c clock.Clock) IDGenerator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		var builder strings.Builder
		builder.WriteString("cmd_")
		builder.WriteString(strconv.FormatInt(c.Now().UnixMilli(), 10))
		builder.WriteByte('_')
		for range 9 {
			builder.WriteByte(alphabet[rand.IntN(len(alphabet))])
		}
		return builder.String()
	}
}

// Config configures a Queue. Clock is required; zero durations take the
// package defaults.
type Config struct {
	Clock        clock.Clock
	IDs          IDGenerator
	Retention    time.Duration
	PollInterval time.Duration
	MaxWait      time.Duration
	ClaimTimeout time.Duration
}

// Queue is the command table. Safe for concurrent use.
type Queue struct {
	clock        clock.Clock
	ids          IDGenerator
	retention    time.Duration
	pollInterval time.Duration
	maxWait      time.Duration
	claimTimeout time.Duration

	mu      sync.Mutex
	records map[string]*Record
	// order lists record ids in submission order. Claims scan it so
	// the oldest pending record always wins.
	order []string
}

// New returns an empty Queue.
func New(config Config) *Queue {
	if config.Clock == nil {
		panic("cmdqueue: Clock is required")
	}
	queue := &Queue{
		clock:        config.Clock,
		ids:          config.IDs,
		retention:    config.Retention,
		pollInterval: config.PollInterval,
		maxWait:      config.MaxWait,
		claimTimeout: config.ClaimTimeout,
		records:      make(map[string]*Record),
	}
	if queue.ids == nil {
		queue.ids = NewIDGenerator(config.Clock)
	}
	if queue.retention <= 0 {
		queue.retention = DefaultRetention
	}
	if queue.pollInterval <= 0 {
		queue.pollInterval = DefaultPollInterval
	}
	if queue.maxWait <= 0 {
		queue.maxWait = DefaultMaxWait
	}
	if queue.claimTimeout <= 0 {
		queue.claimTimeout = DefaultClaimTimeout
	}
	return queue
}

// Submit queues command as a pending record.
func (q *Queue) Submit(command string) (Record, error) {
	if strings.TrimSpace(command) == "" {
		return Record{}, apierror.New(apierror.BadRequest, `missing required "cmd" parameter`)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanupLocked()

	id := q.ids()
	for q.records[id] != nil {
		id = q.ids()
	}
	record := &Record{
		ID:        id,
		Command:   command,
		Status:    StatusPending,
		CreatedAt: q.clock.Now(),
	}
	q.records[id] = record
	q.order = append(q.order, id)
	return *record, nil
}

// ClaimNextPending marks the oldest pending record running and returns
// it. ok is false when nothing is pending or another record is still
// running: at most one claim is outstanding at a time. A running record
// unreported for longer than the claim timeout is resolved as an error
// and no longer blocks.
func (q *Queue) ClaimNextPending() (record Record, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanupLocked()

	now := q.clock.Now()
	var next *Record
	for _, id := range q.order {
		candidate := q.records[id]
		switch candidate.Status {
		case StatusRunning:
			if now.Sub(candidate.ClaimedAt) <= q.claimTimeout {
				return Record{}, false
			}
			candidate.Status = StatusError
			candidate.Error = ClaimExpiredError
			candidate.ExitCode = ClaimExpiredExitCode
			candidate.CompletedAt = now
		case StatusPending:
			if next == nil {
				next = candidate
			}
		}
	}
	if next == nil {
		return Record{}, false
	}
	next.Status = StatusRunning
	next.ClaimedAt = now
	return *next, true
}

// ReportResult resolves the record with id. The record need not be
// running: a late or duplicate report overwrites the previous result.
func (q *Queue) ReportResult(id string, result Result) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanupLocked()

	record := q.records[id]
	if record == nil {
		return Record{}, apierror.New(apierror.NotFound, "command %q not found", id)
	}
	if result.ExitCode == 0 {
		record.Status = StatusCompleted
	} else {
		record.Status = StatusError
	}
	record.Output = result.Output
	record.Error = result.Error
	record.ExitCode = result.ExitCode
	record.CompletedAt = q.clock.Now()
	return *record, nil
}

// Get returns a snapshot of the record with id.
func (q *Queue) Get(id string) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanupLocked()

	record := q.records[id]
	if record == nil {
		return Record{}, apierror.New(apierror.NotFound, "command %q not found", id)
	}
	return *record, nil
}

// List returns snapshots of every retained record in submission order.
func (q *Queue) List() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanupLocked()

	records := make([]Record, 0, len(q.order))
	for _, id := range q.order {
		records = append(records, *q.records[id])
	}
	return records
}

// Counts returns the number of retained records per status.
func (q *Queue) Counts() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := map[Status]int{
		StatusPending:   0,
		StatusRunning:   0,
		StatusCompleted: 0,
		StatusError:     0,
	}
	for _, record := range q.records {
		counts[record.Status]++
	}
	return counts
}

// SubmitAndWait submits command and polls until it resolves, timeout
// elapses, or ctx is cancelled. timeout values that are non-positive or
// above the queue's cap are clamped to the cap. On timeout the returned
// record is still pending or running and err is nil. On cancellation
// the latest snapshot is returned with ctx.Err(). Neither stops the
// command itself.
func (q *Queue) SubmitAndWait(ctx context.Context, command string, timeout time.Duration) (Record, error) {
	record, err := q.Submit(command)
	if err != nil {
		return Record{}, err
	}
	if timeout <= 0 || timeout > q.maxWait {
		timeout = q.maxWait
	}

	deadline := q.clock.Now().Add(timeout)
	for {
		record, err = q.Get(record.ID)
		if err != nil {
			return Record{}, err
		}
		if record.Status.Resolved() || !q.clock.Now().Before(deadline) {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return record, ctx.Err()
		case <-q.clock.After(q.pollInterval):
		}
	}
}

// Cleanup drops records older than the retention window.
func (q *Queue) Cleanup() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanupLocked()
}

func (q *Queue) cleanupLocked() {
	now := q.clock.Now()
	kept := q.order[:0]
	for _, id := range q.order {
		if now.Sub(q.records[id].CreatedAt) > q.retention {
			delete(q.records, id)
			continue
		}
		kept = append(kept, id)
	}
	clear(q.order[len(kept):])
	q.order = kept
}
