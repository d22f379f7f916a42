// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package apiauth authenticates HTTP callers.
//
// Two credentials exist. The API key is a shared secret presented as a
// bearer token, an X-Api-Key header, or an api_key query parameter; it
// authorizes agents, workers, and scripts. A manager session is an
// HMAC-signed token issued by [Sessions.Login] to a human operator and
// carried in the manager_session cookie (or as a bearer token). Every
// check fails closed: a server with no API key configured rejects all
// requests with a configuration error rather than accepting them.
package apiauth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/bureau-foundation/vmbridge/lib/apierror"
)

// APIKeyFromRequest returns the API key the caller presented, or ""
// when none was. The Authorization header wins over X-Api-Key, which
// wins over the query parameter.
func APIKeyFromRequest(request *http.Request) string {
	if token, ok := bearerToken(request); ok {
		return token
	}
	if key := request.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	return request.URL.Query().Get("api_key")
}

func bearerToken(request *http.Request) (string, bool) {
	header := request.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Equal compares two secrets in constant time with respect to their
// contents.
func Equal(presented, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// CheckAPIKey verifies request against the configured key. An empty
// configured key is a Misconfigured error; a missing or wrong key is
// Unauthorized.
func CheckAPIKey(request *http.Request, configured string) error {
	if configured == "" {
		return apierror.New(apierror.Misconfigured, "Server configuration error: API_KEY not configured")
	}
	presented := APIKeyFromRequest(request)
	if presented == "" || !Equal(presented, configured) {
		return apierror.New(apierror.Unauthorized, "Unauthorized: Invalid or missing API key")
	}
	return nil
}
