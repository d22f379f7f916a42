// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cmdqueue holds the in-memory table of shell commands waiting
// for, running on, or finished by an instance's command executor.
//
// A [Record] moves pending → running → completed or error:
//
//   - [Queue.Submit] creates a pending record.
//   - [Queue.ClaimNextPending] flips the oldest pending record (in
//     submission order) to running under the queue mutex. Only one
//     record runs at a time: while a claim is outstanding every poller
//     gets nothing, until the claim is reported or outlives
//     [DefaultClaimTimeout].
//   - [Queue.ReportResult] resolves a record: exit code 0 is completed,
//     anything else is error.
//
// Every operation first runs [Queue.Cleanup], which drops records older
// than the retention window (10 minutes by default) whatever their
// state. A caller that polls for a result more slowly than that loses
// it; the window bounds memory on a host with no persistence.
//
// [Queue.SubmitAndWait] composes submission with a 100ms poll for up to
// 60s. On timeout it returns the still-unresolved record rather than an
// error so the caller can keep polling by id.
package cmdqueue
