// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logtail keeps the most recent bytes of a process's output.
//
// A [Tail] is an io.Writer suitable for exec.Cmd.Stdout and Stderr. When
// a spawned server fails to come up, the orchestrator appends the tail
// to the error so the caller sees why without reading a log file.
package logtail

import "sync"

// DefaultSize is the tail capacity used for spawned worker servers.
const DefaultSize = 8000

// Tail is a fixed-size circular buffer retaining the last capacity
// bytes written. All methods are safe for concurrent use, so one Tail
// can collect both stdout and stderr.
type Tail struct {
	mutex    sync.Mutex
	data     []byte
	capacity int
	// writePosition is the next position to write within data
	// (0 to capacity-1).
	writePosition int
	// totalWritten counts every byte ever written. The retained bytes
	// are the last min(totalWritten, capacity) of them.
	totalWritten uint64
}

// New returns a Tail holding up to capacity bytes. Non-positive
// capacities take DefaultSize.
func New(capacity int) *Tail {
	if capacity <= 0 {
		capacity = DefaultSize
	}
	return &Tail{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends p, overwriting the oldest bytes once full. It never
// fails.
func (tail *Tail) Write(p []byte) (int, error) {
	tail.mutex.Lock()
	defer tail.mutex.Unlock()

	data := p
	if len(data) > tail.capacity {
		data = data[len(data)-tail.capacity:]
		tail.writePosition = 0
	}
	for offset := 0; offset < len(data); {
		copyLength := min(len(data)-offset, tail.capacity-tail.writePosition)
		copy(tail.data[tail.writePosition:tail.writePosition+copyLength], data[offset:offset+copyLength])
		tail.writePosition = (tail.writePosition + copyLength) % tail.capacity
		offset += copyLength
	}
	tail.totalWritten += uint64(len(p))
	return len(p), nil
}

// Bytes returns a copy of the retained bytes, oldest first.
func (tail *Tail) Bytes() []byte {
	tail.mutex.Lock()
	defer tail.mutex.Unlock()

	stored := int(min(tail.totalWritten, uint64(tail.capacity)))
	result := make([]byte, stored)
	if stored < tail.capacity {
		copy(result, tail.data[:stored])
		return result
	}
	// Full: the oldest byte sits at writePosition.
	copied := copy(result, tail.data[tail.writePosition:])
	copy(result[copied:], tail.data[:tail.writePosition])
	return result
}

// String returns the retained bytes as a string.
func (tail *Tail) String() string {
	return string(tail.Bytes())
}

// Total returns the number of bytes ever written, including those no
// longer retained.
func (tail *Tail) Total() uint64 {
	tail.mutex.Lock()
	defer tail.mutex.Unlock()
	return tail.totalWritten
}
