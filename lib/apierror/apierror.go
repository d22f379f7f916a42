// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package apierror classifies failures crossing a component boundary
// in vmbridge. The queue, registry, and orchestrator return *Error
// values; the HTTP layer maps the Kind to a status code and the client
// maps status codes back to a Kind, so callers on either side of the
// wire branch on the same taxonomy with [Is].
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for programmatic handling.
type Kind string

const (
	// Unauthorized: the credential is missing or wrong.
	Unauthorized Kind = "unauthorized"

	// NotFound: the command or instance id is unknown (or was
	// garbage-collected). Nothing happened.
	NotFound Kind = "not_found"

	// BadRequest: a required field is missing or a value is invalid
	// (unsafe port, empty command).
	BadRequest Kind = "bad_request"

	// Timeout: a bounded wait expired (marker, port, readiness).
	Timeout Kind = "timeout"

	// Unsupported: the operation cannot run in this environment
	// (process spawning on a serverless host).
	Unsupported Kind = "unsupported"

	// Upstream: a spawned process failed to start, exited early, or a
	// remote endpoint misbehaved. Something failed mid-flight.
	Upstream Kind = "upstream"

	// Misconfigured: the server lacks configuration it needs to make a
	// decision, such as the API key. Always fails closed.
	Misconfigured Kind = "misconfigured"

	// Internal: anything unexpected.
	Internal Kind = "internal"
)

// Error is a classified error. Err carries the human-readable message
// and any wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of the given kind with a formatted message.
// %w verbs wrap their operands as usual.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err as kind, keeping its message. Returns nil for a
// nil err.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// Internal when err carries no classification.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	var classified *Error
	return errors.As(err, &classified) && classified.Kind == kind
}

// HTTPStatus returns the response status for kind.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case BadRequest:
		return http.StatusBadRequest
	case Timeout:
		return http.StatusGatewayTimeout
	case Unsupported:
		return http.StatusNotImplemented
	case Upstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus is the inverse of HTTPStatus, used by clients to
// reclassify error responses. 500 maps to Internal since Misconfigured
// and Internal share it.
func FromHTTPStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return Unauthorized
	case http.StatusNotFound:
		return NotFound
	case http.StatusBadRequest:
		return BadRequest
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return Timeout
	case http.StatusNotImplemented:
		return Unsupported
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return Upstream
	default:
		return Internal
	}
}
