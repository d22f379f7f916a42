// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint and process-control helpers for
// vmbridge binaries.
//
// Fatal centralizes the one legitimate raw write to stderr that happens
// before the structured logger exists. Alive and Terminate operate on
// pids the orchestrator recorded for processes it spawned, which may
// have outlived the exec.Cmd that started them.
package process
