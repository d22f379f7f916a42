// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"

	"github.com/bureau-foundation/vmbridge/lib/cmdqueue"
)

// QueueSource is a Source backed by an in-process queue, for an
// executor running in the same process as the server.
type QueueSource struct {
	Queue *cmdqueue.Queue
}

// Next implements Source.
func (s QueueSource) Next(context.Context) (Claim, bool, error) {
	record, ok := s.Queue.ClaimNextPending()
	if !ok {
		return Claim{}, false, nil
	}
	return Claim{ID: record.ID, Command: record.Command}, true, nil
}

// Report implements Source.
func (s QueueSource) Report(_ context.Context, id string, result cmdqueue.Result) error {
	_, err := s.Queue.ReportResult(id, result)
	return err
}
