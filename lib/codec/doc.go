// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides vmbridge's wire encodings and HTTP content
// negotiation between them.
//
// The API speaks JSON by default, which is what browsers, curl, and
// scripts send. Agents and the vmbridge CLI send and accept
// application/cbor instead: command output travels as a byte string
// without JSON escaping, and the encoding is deterministic (RFC 8949
// §4.2 Core Deterministic Encoding), so identical records always
// produce identical bytes.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For HTTP bodies, pick the format from the request headers:
//
//	format := codec.Negotiate(request.Header.Get("Accept"))
//	err := format.Encode(writer, value)
//
// # Struct Tag Rules
//
// Wire types carry `json` tags only. fxamacker/cbor v2 reads `json`
// tags as a fallback when `cbor` tags are absent, so one tag controls
// field naming and omitempty for both formats. Never put both tags on
// the same field.
package codec
