// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the time source injected into every vmbridge
// component that measures or waits.
//
// The command queue, registry, executor, heartbeat agent, and
// orchestrator all take a Clock in their configuration instead of
// calling the time package. Production wiring passes Real(). Tests pass
// Fake(), which stands still until Advance is called, so the poll
// cadences and retention windows (2s executor poll, 100ms marker scan,
// 3s heartbeat, 10 minute command retention, 30s staleness) can be
// asserted exactly without sleeping.
//
// # Synchronizing with a FakeClock
//
// A goroutine that calls After, Sleep, or NewTicker on a FakeClock
// registers a pending waiter. Tests call WaitForTimers(n) to block until
// the goroutine has registered before calling Advance:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go executor.Run(ctx)
//	fake.WaitForTimers(1)        // executor is waiting for its poll tick
//	fake.Advance(2 * time.Second) // executor polls the queue
//
// Loops that must stop promptly on cancellation use SleepContext rather
// than Sleep.
package clock
