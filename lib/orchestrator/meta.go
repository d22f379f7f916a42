// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"encoding/json"
	"math"
	"strconv"
)

// Instance metadata keys written at provisioning time.
const (
	MetaPID             = "pid"
	MetaServerPID       = "serverPid"
	MetaPort            = "port"
	MetaDiskSource      = "diskSource"
	MetaHeadlessLogPath = "headlessLogPath"
)

// MetaInt reads an integer metadata value. Metadata arrives through
// JSON (float64), CBOR (int64 or uint64), or directly from Go code, so
// every numeric form is accepted. Missing, fractional, and non-numeric
// values read as 0.
func MetaInt(meta map[string]any, key string) int {
	switch value := meta[key].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case uint64:
		if value > math.MaxInt {
			return 0
		}
		return int(value)
	case float64:
		if value != math.Trunc(value) {
			return 0
		}
		return int(value)
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0
		}
		return int(parsed)
	case string:
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
