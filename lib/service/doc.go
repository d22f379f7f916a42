// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the process scaffolding shared by the
// vmbridge daemons: an HTTP server with a bound-then-ready lifecycle
// and graceful shutdown on context cancellation.
//
// Binaries compose it in their own main() rather than subclassing a
// framework. [HTTPServer.Serve] blocks until its context is cancelled
// and in-flight requests drain, so a daemon's main typically derives a
// context from signal.NotifyContext, starts the server and its
// background loops, and waits.
package service
