// Copyright 2025 The Workshop Hub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// CookieName is the session cookie set on login.
const CookieName = "workshop_token"

// TokenTTL is the session token lifetime.
const TokenTTL = 24 * time.Hour

// DeriveUserID maps a username to the stable identifier used in pod labels.
// The mapping keeps alphanumerics, '-' and '_', lowercases, and prefixes
// "user-". The same username always maps to the same id.
func DeriveUserID(username string) string {
	var b strings.Builder
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	return "user-" + b.String()
}

// Identity is the authenticated caller attached to request contexts.
type Identity struct {
	UserID   string
	Username string
}

type sessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Sessions issues and verifies the HMAC-signed session tokens that bind a
// browser or API client to a derived user id.
type Sessions struct {
	secret []byte
	now    func() time.Time
}

// NewSessions creates a token authority with the given signing secret.
func NewSessions(secret []byte) *Sessions {
	return &Sessions{secret: secret, now: time.Now}
}

// Issue creates a signed token for the given username, expiring after
// TokenTTL.
func (s *Sessions) Issue(username string) (string, error) {
	now := s.now()
	claims := sessionClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   DeriveUserID(username),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign session token")
	}
	return token, nil
}

// Verify checks the token signature and expiry and returns the embedded
// identity.
func (s *Sessions) Verify(token string) (Identity, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil {
		return Identity{}, errors.Wrap(err, "parse session token")
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, errors.New("invalid session token")
	}
	return Identity{UserID: claims.Subject, Username: claims.Username}, nil
}

type identityContextKey struct{}

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFrom returns the identity attached by the authentication
// middleware, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

// authenticate is the passive middleware: it extracts a token from the
// session cookie, the Authorization header, or the token query parameter,
// and attaches the verified identity to the request context. It never
// rejects; requests without a usable token simply proceed anonymous. An
// invalid or expired cookie is cleared so browsers re-login cleanly.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, fromCookie := extractToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := s.sessions.Verify(token)
		if err != nil {
			_ = level.Warn(s.logger).Log("msg", "invalid session token", "err", err)
			if fromCookie {
				clearSessionCookie(w)
			}
			next.ServeHTTP(w, r)
			return
		}
		_ = level.Debug(s.logger).Log("msg", "authenticated request", "user", id.UserID)
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// requireIdentity is the active middleware applied to protected routes.
// Browser flows are redirected to the login page; programmatic callers,
// recognized by an explicit bearer token or a non-HTML Accept header, get a
// plain 401.
func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFrom(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}
		if isProgrammatic(r) {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		http.Redirect(w, r, "/login", http.StatusFound)
	})
}

// extractToken returns the first token found, preferring the cookie, then
// the Authorization header, then the query parameter. fromCookie reports
// whether it came from the cookie so the caller can clear a bad one.
func extractToken(r *http.Request) (token string, fromCookie bool) {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, rest, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(rest), false
		}
	}
	return r.URL.Query().Get("token"), false
}

// isProgrammatic distinguishes API clients from browsers. A bad token in the
// query string still redirects, since the link may have been pasted into a
// browser.
func isProgrammatic(r *http.Request) bool {
	if r.Header.Get("Authorization") != "" {
		return true
	}
	return !strings.Contains(r.Header.Get("Accept"), "text/html")
}

func sessionCookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(TokenTTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
