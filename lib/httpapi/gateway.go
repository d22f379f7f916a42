// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bureau-foundation/vmbridge/lib/api"
	"github.com/bureau-foundation/vmbridge/lib/apierror"
)

const (
	defaultGatewayTimeout = 10 * time.Second

	// gatewayBodyLimit is the number of body bytes relayed before the
	// response is cut and gatewayTruncated appended.
	gatewayBodyLimit = 5000
	gatewayTruncated = "\n\n[...TRUNCATED - Response too large...]"

	gatewayUserAgent = "Mozilla/5.0 (compatible; WebVMGateway/1.0)"
)

// handleGateway fetches a URL on behalf of a VM, which has no network
// of its own, and relays a truncated copy of the response.
func (s *Server) handleGateway(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		methodNotAllowed(writer, request, "POST")
		return
	}
	if !s.requireAPIKey(writer, request) {
		return
	}
	var body api.GatewayRequest
	if _, err := decodeBody(request, &body); err != nil {
		respondError(writer, request, err)
		return
	}
	if body.URL == "" {
		respondError(writer, request, apierror.New(apierror.BadRequest, "Missing target URL"))
		return
	}

	response, err := s.fetch(request.Context(), body)
	if err != nil {
		s.logger.Warn("gateway fetch failed", "url", body.URL, "error", err)
		respondError(writer, request, err)
		return
	}
	respond(writer, request, http.StatusOK, response)
}

func (s *Server) fetch(ctx context.Context, target api.GatewayRequest) (api.GatewayResponse, error) {
	method := strings.ToUpper(target.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if target.Body != "" && method != http.MethodGet && method != http.MethodHead {
		body = strings.NewReader(target.Body)
	}
	outbound, err := http.NewRequestWithContext(ctx, method, target.URL, body)
	if err != nil {
		return api.GatewayResponse{}, apierror.New(apierror.BadRequest, "Invalid target URL: %v", err)
	}
	for name, value := range target.Headers {
		outbound.Header.Set(name, value)
	}
	if outbound.Header.Get("User-Agent") == "" {
		outbound.Header.Set("User-Agent", gatewayUserAgent)
	}
	if outbound.Header.Get("Accept") == "" {
		outbound.Header.Set("Accept", "*/*")
	}

	response, err := s.gatewayClient.Do(outbound)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return api.GatewayResponse{}, apierror.New(apierror.Timeout, "Gateway request timed out: %v", err)
		}
		return api.GatewayResponse{}, apierror.New(apierror.Upstream, "Gateway request failed: %v", err)
	}
	defer response.Body.Close()

	data, err := io.ReadAll(io.LimitReader(response.Body, gatewayBodyLimit+1))
	if err != nil {
		return api.GatewayResponse{}, apierror.New(apierror.Upstream, "Reading gateway response: %v", err)
	}
	text := string(data)
	if len(data) > gatewayBodyLimit {
		text = strings.ToValidUTF8(string(data[:gatewayBodyLimit]), "") + gatewayTruncated
	}

	headers := make(map[string]string, len(response.Header))
	for name, values := range response.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return api.GatewayResponse{
		Status:     response.StatusCode,
		StatusText: http.StatusText(response.StatusCode),
		Headers:    headers,
		Data:       text,
	}, nil
}
