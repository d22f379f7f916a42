// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"strings"
)

// Media types understood by vmbridge endpoints.
const (
	MediaTypeJSON = "application/json"
	MediaTypeCBOR = "application/cbor"
)

// Format is one wire encoding.
type Format struct {
	mediaType string
}

var (
	// JSON is the default format.
	JSON = Format{mediaType: MediaTypeJSON}

	// CBOR is the compact format used by agents and the CLI.
	CBOR = Format{mediaType: MediaTypeCBOR}
)

// MediaType returns the format's Content-Type value.
func (f Format) MediaType() string {
	if f.mediaType == "" {
		return MediaTypeJSON
	}
	return f.mediaType
}

// IsCBOR reports whether f is the CBOR format.
func (f Format) IsCBOR() bool {
	return f.mediaType == MediaTypeCBOR
}

// Encode writes v to w. JSON output ends in a newline so responses read
// cleanly in a terminal.
func (f Format) Encode(w io.Writer, v any) error {
	if f.IsCBOR() {
		return NewEncoder(w).Encode(v)
	}
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	return encoder.Encode(v)
}

// Decode reads one value from r into v.
func (f Format) Decode(r io.Reader, v any) error {
	if f.IsCBOR() {
		if err := NewDecoder(r).Decode(v); err != nil {
			return fmt.Errorf("decoding CBOR body: %w", err)
		}
		return nil
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decoding JSON body: %w", err)
	}
	return nil
}

// Marshal encodes v to bytes in this format.
func (f Format) Marshal(v any) ([]byte, error) {
	if f.IsCBOR() {
		return Marshal(v)
	}
	return json.Marshal(v)
}

// ForContentType returns the format for a request's Content-Type. Empty
// or unrecognized types are JSON.
func ForContentType(contentType string) Format {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err == nil && mediaType == MediaTypeCBOR {
		return CBOR
	}
	return JSON
}

// Negotiate returns the response format for an Accept header. CBOR is
// chosen only when listed explicitly; wildcards and absent headers get
// JSON.
func Negotiate(accept string) Format {
	for part := range strings.SplitSeq(accept, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil || mediaType != MediaTypeCBOR {
			continue
		}
		if params["q"] == "0" {
			continue
		}
		return CBOR
	}
	return JSON
}
