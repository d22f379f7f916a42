// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/bureau-foundation/vmbridge/lib/apierror"
	"github.com/bureau-foundation/vmbridge/lib/clock"
)

// unsafePorts are the ports Chromium and Firefox refuse to load
// (ERR_UNSAFE_PORT), plus 6566 which was observed blocked in practice.
// The 6665-6669 IRC range is checked separately.
var unsafePorts = map[int]bool{
	1: true, 7: true, 9: true, 11: true, 13: true, 15: true, 17: true,
	19: true, 20: true, 21: true, 22: true, 23: true, 25: true, 37: true,
	42: true, 43: true, 53: true, 77: true, 79: true, 87: true, 95: true,
	101: true, 102: true, 103: true, 104: true, 109: true, 110: true,
	111: true, 113: true, 115: true, 117: true, 119: true, 123: true,
	135: true, 139: true, 143: true, 179: true, 389: true, 427: true,
	465: true, 512: true, 513: true, 514: true, 515: true, 526: true,
	530: true, 531: true, 532: true, 540: true, 548: true, 556: true,
	563: true, 587: true, 601: true, 636: true, 993: true, 995: true,
	2049: true, 3659: true, 4045: true, 6000: true, 6566: true, 10080: true,
}

// autoPickAttempts bounds how many ephemeral ports AllocatePort tries
// before giving up on finding a browser-safe one.
const autoPickAttempts = 20

// DefaultPortRetry is the WaitForPort interval between connection
// rounds.
const DefaultPortRetry = 250 * time.Millisecond

// portProbeHosts are tried in order each round. Some servers bind only
// the IPv6 loopback, and "localhost" covers resolver-specific setups.
var portProbeHosts = []string{"127.0.0.1", "::1", "localhost"}

// IsUnsafePort reports whether a browser would refuse to load a page
// served on port. Out-of-range values are unsafe.
func IsUnsafePort(port int) bool {
	if port <= 0 || port > 65535 {
		return true
	}
	if port >= 6665 && port <= 6669 {
		return true
	}
	return unsafePorts[port]
}

// PickFreePort binds 127.0.0.1:port, reads back the bound port, and
// releases it. Port 0 asks the kernel for an ephemeral port. The port
// is free at return but nothing reserves it afterwards.
func PickFreePort(port int) (int, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return 0, fmt.Errorf("binding port %d: %w", port, err)
	}
	bound := listener.Addr().(*net.TCPAddr).Port
	if err := listener.Close(); err != nil {
		return 0, fmt.Errorf("releasing port %d: %w", bound, err)
	}
	if bound == 0 {
		return 0, errors.New("failed to allocate a free port")
	}
	return bound, nil
}

// AllocatePort returns a free, browser-safe loopback port. A positive
// preferred port is used as-is if it is safe and free; an unsafe one is
// rejected with a BadRequest naming alternatives. Zero picks an
// ephemeral port, retrying when the kernel hands back an unsafe one.
func AllocatePort(preferred int) (int, error) {
	if preferred < 0 {
		return 0, apierror.New(apierror.BadRequest, "invalid port %d", preferred)
	}
	if preferred > 0 {
		if IsUnsafePort(preferred) {
			return 0, apierror.New(apierror.BadRequest,
				"Port %d is blocked by the browser (ERR_UNSAFE_PORT). Choose a different port (e.g. 5173, 4173, 5637).",
				preferred)
		}
		port, err := PickFreePort(preferred)
		if err != nil {
			return 0, apierror.Wrap(apierror.Internal, err)
		}
		return port, nil
	}

	for range autoPickAttempts {
		candidate, err := PickFreePort(0)
		if err != nil {
			return 0, apierror.Wrap(apierror.Internal, err)
		}
		if !IsUnsafePort(candidate) {
			return candidate, nil
		}
	}
	return 0, apierror.New(apierror.Internal, "failed to allocate a browser-safe port")
}

// WaitForPort blocks until something accepts TCP connections on port
// via any loopback address, or ctx ends. Between rounds it sleeps retry
// on c (DefaultPortRetry when non-positive). The error on expiry
// carries the last dial failure.
func WaitForPort(ctx context.Context, c clock.Clock, port int, retry time.Duration) error {
	if retry <= 0 {
		retry = DefaultPortRetry
	}
	var dialer net.Dialer
	var lastErr error
	for {
		for _, host := range portProbeHosts {
			attemptCtx, cancel := context.WithTimeout(ctx, time.Second)
			connection, err := dialer.DialContext(attemptCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
			cancel()
			if err == nil {
				connection.Close()
				return nil
			}
			lastErr = err
		}
		if err := clock.SleepContext(ctx, c, retry); err != nil {
			if lastErr != nil {
				return fmt.Errorf("timed out waiting for port %d to open (%v): %w", port, lastErr, err)
			}
			return fmt.Errorf("timed out waiting for port %d to open: %w", port, err)
		}
	}
}
