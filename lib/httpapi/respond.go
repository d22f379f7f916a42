// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/bureau-foundation/vmbridge/lib/api"
	"github.com/bureau-foundation/vmbridge/lib/apierror"
	"github.com/bureau-foundation/vmbridge/lib/codec"
)

// maxRequestBody bounds decoded request bodies.
const maxRequestBody = 4 << 20

// respond writes v with status in the format the client accepts.
func respond(writer http.ResponseWriter, request *http.Request, status int, v any) {
	format := codec.Negotiate(request.Header.Get("Accept"))
	body, err := format.Marshal(v)
	if err != nil {
		slog.Default().Error("encoding response failed", "error", err)
		http.Error(writer, `{"message":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", format.MediaType())
	writer.WriteHeader(status)
	writer.Write(body)
}

// respondError maps err to a status and writes {"message": ...}.
func respondError(writer http.ResponseWriter, request *http.Request, err error) {
	respond(writer, request, apierror.HTTPStatus(apierror.KindOf(err)), api.ErrorResponse{Message: err.Error()})
}

// decodeBody reads the request body into v using the request's
// Content-Type. An empty body leaves v untouched and reports false.
func decodeBody(request *http.Request, v any) (bool, error) {
	if request.Body == nil {
		return false, nil
	}
	format := codec.ForContentType(request.Header.Get("Content-Type"))
	err := format.Decode(io.LimitReader(request.Body, maxRequestBody), v)
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		name := "JSON"
		if format.IsCBOR() {
			name = "CBOR"
		}
		return false, apierror.New(apierror.BadRequest, "Invalid %s body", name)
	}
	return true, nil
}
