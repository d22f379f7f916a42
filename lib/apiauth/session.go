// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package apiauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/bureau-foundation/vmbridge/lib/apierror"
	"github.com/bureau-foundation/vmbridge/lib/clock"
)

// CookieName carries the manager session token.
const CookieName = "manager_session"

// DefaultSessionTTL is how long a manager session stays valid.
const DefaultSessionTTL = 24 * time.Hour

// SessionConfig configures Sessions.
type SessionConfig struct {
	Clock clock.Clock

	// User is the manager login name.
	User string

	// Password is compared in constant time. Mutually exclusive with
	// PasswordHash.
	Password string

	// PasswordHash is a bcrypt hash of the manager password.
	PasswordHash string

	// Secret signs session tokens. Empty falls back to APIKey.
	Secret string
	APIKey string

	// TTL is the session lifetime. Zero uses DefaultSessionTTL.
	TTL time.Duration
}

// Sessions issues and verifies manager session tokens.
//
// A token is base64url(payload) "." base64url(HMAC-SHA256(payload)),
// where payload is the JSON object {"u": user, "exp": unix-ms}.
type Sessions struct {
	clock        clock.Clock
	user         string
	password     string
	passwordHash string
	secret       []byte
	ttl          time.Duration
}

type sessionPayload struct {
	User      string `json:"u"`
	ExpiresAt int64  `json:"exp"`
}

// NewSessions returns a Sessions. Clock is required.
func NewSessions(config SessionConfig) *Sessions {
	if config.Clock == nil {
		panic("apiauth: SessionConfig.Clock is required")
	}
	secret := config.Secret
	if secret == "" {
		secret = config.APIKey
	}
	ttl := config.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{
		clock:        config.Clock,
		user:         config.User,
		password:     config.Password,
		passwordHash: config.PasswordHash,
		secret:       []byte(secret),
		ttl:          ttl,
	}
}

// TTL returns the session lifetime.
func (s *Sessions) TTL() time.Duration { return s.ttl }

// Login checks the credentials and returns a fresh token.
func (s *Sessions) Login(username, password string) (string, error) {
	if s.user == "" || (s.password == "" && s.passwordHash == "") {
		return "", apierror.New(apierror.Misconfigured,
			"Server configuration error: MANAGER_USER or MANAGER_PASSWORD not configured")
	}
	userMatches := Equal(username, s.user)
	var passwordMatches bool
	if s.passwordHash != "" {
		passwordMatches = bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)) == nil
	} else {
		passwordMatches = Equal(password, s.password)
	}
	if !userMatches || !passwordMatches {
		return "", apierror.New(apierror.Unauthorized, "Invalid username or password")
	}
	return s.Issue(username)
}

// Issue returns a signed token for user, valid for the session TTL.
func (s *Sessions) Issue(user string) (string, error) {
	if len(s.secret) == 0 {
		return "", apierror.New(apierror.Misconfigured,
			"Server configuration error: MANAGER_SESSION_SECRET or API_KEY not configured")
	}
	payload, err := json.Marshal(sessionPayload{
		User:      user,
		ExpiresAt: s.clock.Now().Add(s.ttl).UnixMilli(),
	})
	if err != nil {
		return "", apierror.Wrap(apierror.Internal, err)
	}
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(s.sign(payload)), nil
}

// Verify returns the user a token was issued to. Malformed, forged, and
// expired tokens are Unauthorized.
func (s *Sessions) Verify(token string) (string, error) {
	unauthorized := apierror.New(apierror.Unauthorized, "Unauthorized")
	if len(s.secret) == 0 {
		return "", unauthorized
	}
	encodedPayload, encodedSignature, found := strings.Cut(token, ".")
	if !found || strings.Contains(encodedSignature, ".") {
		return "", unauthorized
	}
	payload, err := base64.RawURLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return "", unauthorized
	}
	signature, err := base64.RawURLEncoding.DecodeString(encodedSignature)
	if err != nil || !hmac.Equal(signature, s.sign(payload)) {
		return "", unauthorized
	}
	var parsed sessionPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", unauthorized
	}
	if parsed.ExpiresAt == 0 || s.clock.Now().UnixMilli() > parsed.ExpiresAt {
		return "", unauthorized
	}
	return parsed.User, nil
}

// FromRequest verifies the session carried by request's cookie or,
// failing that, its bearer token.
func (s *Sessions) FromRequest(request *http.Request) (string, error) {
	if cookie, err := request.Cookie(CookieName); err == nil && cookie.Value != "" {
		return s.Verify(cookie.Value)
	}
	if token, ok := bearerToken(request); ok {
		return s.Verify(token)
	}
	return "", apierror.New(apierror.Unauthorized, "Unauthorized")
}

// Cookie returns the cookie that carries token.
func (s *Sessions) Cookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.ttl / time.Second),
	}
}

// ClearCookie returns a cookie that deletes the session cookie.
func ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	}
}

func (s *Sessions) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
