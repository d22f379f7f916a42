// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for vmbridge packages.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve so tests never hang on a channel. They are the only
// place in the test suite that uses wall-clock timeouts; component
// timing in tests goes through clock.Fake.
//
// [SocketDir] returns a short /tmp directory for Unix sockets (tmux
// test servers), which have a 108-byte path limit that t.TempDir
// paths can exceed.
//
// [UniqueID] generates distinguishable identifiers for instance ids and
// command text without consulting the clock.
package testutil
