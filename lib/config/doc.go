// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for vmbridge binaries.
//
// Configuration comes from a single file named by the --config flag or
// the VMBRIDGE_CONFIG environment variable. Files ending in .json or
// .jsonc are JSON with comments and trailing commas; anything else is
// YAML. Without a file, [Default] supplies the same defaults a file
// would start from.
//
// The file may contain environment-specific sections (development,
// staging, production) that override base values when
// [Config].Environment matches.
//
// After loading, ${VAR} and ${VAR:-default} patterns are expanded in
// every string field. The defaults use this to pick up secrets from
// the environment without writing them into files: the API key
// defaults to ${API_KEY}, the disk source to ${DISK_SOURCE}, and so on.
//
// Key exports:
//
//   - [Config] -- master struct with Server, Manager, Orchestrator, Agent
//   - [Default] -- the expanded default configuration
//   - [Resolve], [Load], and [LoadFile] -- the entry points for loading
//
// This package depends on no other vmbridge packages.
package config
