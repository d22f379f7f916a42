// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package apiauth

import (
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/bureau-foundation/vmbridge/lib/apierror"
	"github.com/bureau-foundation/vmbridge/lib/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSessions(fakeClock *clock.FakeClock) *Sessions {
	return NewSessions(SessionConfig{
		Clock:    fakeClock,
		User:     "admin",
		Password: "hunter2",
		Secret:   "signing-secret",
	})
}

func TestLoginAndVerify(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	sessions := newSessions(fakeClock)

	token, err := sessions.Login("admin", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	user, err := sessions.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if user != "admin" {
		t.Errorf("user = %q", user)
	}

	payload, _, _ := strings.Cut(token, ".")
	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		t.Fatalf("payload not base64url: %v", err)
	}
	want := `{"u":"admin","exp":` + "1772452800000" + `}`
	if string(decoded) != want {
		t.Errorf("payload = %s, want %s", decoded, want)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	sessions := newSessions(clock.Fake(epoch))
	for _, credentials := range [][2]string{{"admin", "wrong"}, {"root", "hunter2"}, {"", ""}} {
		_, err := sessions.Login(credentials[0], credentials[1])
		if !apierror.Is(err, apierror.Unauthorized) {
			t.Errorf("Login(%q, %q) = %v, want Unauthorized", credentials[0], credentials[1], err)
		}
	}
}

func TestLoginUnconfigured(t *testing.T) {
	sessions := NewSessions(SessionConfig{Clock: clock.Fake(epoch), Secret: "s"})
	if _, err := sessions.Login("admin", "x"); !apierror.Is(err, apierror.Misconfigured) {
		t.Errorf("Login = %v, want Misconfigured", err)
	}
}

func TestLoginWithBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	sessions := NewSessions(SessionConfig{
		Clock:        clock.Fake(epoch),
		User:         "admin",
		PasswordHash: string(hash),
		APIKey:       "api-key-as-secret",
	})
	if _, err := sessions.Login("admin", "correct horse"); err != nil {
		t.Errorf("Login with hashed password: %v", err)
	}
	if _, err := sessions.Login("admin", "battery staple"); !apierror.Is(err, apierror.Unauthorized) {
		t.Errorf("wrong password = %v, want Unauthorized", err)
	}
}

func TestVerifyExpiry(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	sessions := newSessions(fakeClock)
	token, err := sessions.Issue("admin")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	fakeClock.Advance(DefaultSessionTTL)
	if _, err := sessions.Verify(token); err != nil {
		t.Errorf("token rejected at exactly its expiry: %v", err)
	}
	fakeClock.Advance(time.Millisecond)
	if _, err := sessions.Verify(token); !apierror.Is(err, apierror.Unauthorized) {
		t.Errorf("expired token = %v, want Unauthorized", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	sessions := newSessions(fakeClock)
	token, _ := sessions.Issue("admin")
	payload, signature, _ := strings.Cut(token, ".")

	forgedPayload := base64.RawURLEncoding.EncodeToString([]byte(`{"u":"root","exp":9999999999999}`))
	other := NewSessions(SessionConfig{Clock: fakeClock, Secret: "other-secret"})
	otherToken, _ := other.Issue("admin")

	tests := map[string]string{
		"empty":            "",
		"no separator":     payload + signature,
		"extra separator":  token + ".x",
		"forged payload":   forgedPayload + "." + signature,
		"bad base64":       "!!!." + signature,
		"other secret":     otherToken,
		"truncated digest": payload + "." + signature[:10],
	}
	for name, candidate := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := sessions.Verify(candidate); !apierror.Is(err, apierror.Unauthorized) {
				t.Errorf("Verify = %v, want Unauthorized", err)
			}
		})
	}
}

func TestIssueWithoutSecret(t *testing.T) {
	sessions := NewSessions(SessionConfig{Clock: clock.Fake(epoch), User: "admin", Password: "x"})
	if _, err := sessions.Login("admin", "x"); !apierror.Is(err, apierror.Misconfigured) {
		t.Errorf("Login = %v, want Misconfigured", err)
	}
}

func TestFromRequest(t *testing.T) {
	sessions := newSessions(clock.Fake(epoch))
	token, _ := sessions.Issue("admin")

	withCookie := httptest.NewRequest("POST", "/api/registry/instances", nil)
	withCookie.AddCookie(sessions.Cookie(token))
	if user, err := sessions.FromRequest(withCookie); err != nil || user != "admin" {
		t.Errorf("cookie: user=%q err=%v", user, err)
	}

	withBearer := httptest.NewRequest("POST", "/api/registry/instances", nil)
	withBearer.Header.Set("Authorization", "Bearer "+token)
	if user, err := sessions.FromRequest(withBearer); err != nil || user != "admin" {
		t.Errorf("bearer: user=%q err=%v", user, err)
	}

	bare := httptest.NewRequest("POST", "/api/registry/instances", nil)
	if _, err := sessions.FromRequest(bare); !apierror.Is(err, apierror.Unauthorized) {
		t.Errorf("bare request = %v, want Unauthorized", err)
	}
}

func TestCookies(t *testing.T) {
	sessions := newSessions(clock.Fake(epoch))
	cookie := sessions.Cookie("tok")
	if cookie.Name != CookieName || !cookie.HttpOnly || cookie.MaxAge != 86400 || cookie.Path != "/" {
		t.Errorf("cookie = %+v", cookie)
	}
	if cleared := ClearCookie(); cleared.MaxAge >= 0 || cleared.Value != "" {
		t.Errorf("clear cookie = %+v", cleared)
	}
}
