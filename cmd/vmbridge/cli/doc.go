// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command-tree framework behind the vmbridge
// CLI: named commands with lazily built pflag sets, nested dispatch,
// generated help, and typo suggestions for unknown commands and flags.
//
// A command that has already printed its own diagnosis returns an
// [ExitError] so main exits with the code and prints nothing further.
package cli
