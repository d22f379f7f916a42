// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"

	"github.com/bureau-foundation/vmbridge/lib/api"
	"github.com/bureau-foundation/vmbridge/lib/apiauth"
	"github.com/bureau-foundation/vmbridge/lib/apierror"
)

func (s *Server) handleLogin(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		methodNotAllowed(writer, request, "POST")
		return
	}
	var body api.LoginRequest
	if _, err := decodeBody(request, &body); err != nil {
		respondError(writer, request, err)
		return
	}
	if body.Username == "" || body.Password == "" {
		respondError(writer, request, apierror.New(apierror.BadRequest, "Missing username or password"))
		return
	}

	token, err := s.sessions.Login(body.Username, body.Password)
	if err != nil {
		if apierror.Is(err, apierror.Unauthorized) {
			s.logger.Warn("manager login rejected", "user", body.Username)
		}
		respondError(writer, request, err)
		return
	}
	s.logger.Info("manager logged in", "user", body.Username)

	http.SetCookie(writer, s.sessions.Cookie(token))
	respond(writer, request, http.StatusOK, api.LoginResponse{
		Success:   true,
		Token:     token,
		User:      body.Username,
		ExpiresAt: s.clock.Now().Add(s.sessions.TTL()).UnixMilli(),
	})
}

func (s *Server) handleLogout(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		methodNotAllowed(writer, request, "POST")
		return
	}
	http.SetCookie(writer, apiauth.ClearCookie())
	respond(writer, request, http.StatusOK, api.SuccessResponse{Success: true})
}
