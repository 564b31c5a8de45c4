// Package httpapi implements the control-plane HTTP API: the
// JWT-authenticated REST surface the todo-app backend calls to drive
// WhatsApp pairing/session lifecycle and Telegram pairing/settings.
// Routing is plain net/http.ServeMux; the JWT carries the multi-tenant
// authorization.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mastra-agents/chatgateway/internal/apperr"
)

// expectedIssuer and expectedAudience are fixed: the todo-app
// backend is the only issuer this gateway ever trusts.
const (
	expectedIssuer   = "todo-app"
	expectedAudience = "mastra-agents"
)

type contextKey int

const (
	userIDContextKey contextKey = iota
	rawTokenContextKey
)

// Authenticator verifies the shared-secret HMAC JWTs the control plane
// requires on every request.
type Authenticator struct {
	secret string
}

// NewAuthenticator constructs an Authenticator from the configured shared
// secret (AUTH_SECRET).
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: secret}
}

// UserID extracts the authenticated userId a prior call to Middleware
// placed on the request context.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDContextKey).(string)
	return id, ok
}

// RawToken extracts the verbatim bearer token string a prior call to
// Middleware placed on the request context; this is the value stored as
// a Session's or Mapping's encrypted auth token ("authToken:
// current decrypted bearer token").
func RawToken(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(rawTokenContextKey).(string)
	return tok, ok
}

// Middleware verifies the Authorization: Bearer <JWT> header against the
// shared secret, issuer and audience, and injects the user id (the userId
// claim, falling back to the subject claim) and raw token string into the request context. Unauthenticated or malformed
// requests get a 401 JSON body without reaching the wrapped handler.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, userID, err := a.verify(r.Header.Get("Authorization"))
		if err != nil {
			writeAppError(w, apperr.Auth("unauthorized", err))
			return
		}
		ctx := context.WithValue(r.Context(), userIDContextKey, userID)
		ctx = context.WithValue(ctx, rawTokenContextKey, tokenString)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// gatewayClaims carries the backend's own userId claim alongside the
// standard registered claims, since the issuer prefers a custom "userId" claim
// over the registered "sub" when both are present.
type gatewayClaims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

func (a *Authenticator) verify(header string) (token string, userID string, err error) {
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return "", "", errors.New("httpapi: missing bearer token")
	}

	claims := &gatewayClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("httpapi: unexpected signing method")
		}
		return []byte(a.secret), nil
	}, jwt.WithIssuer(expectedIssuer), jwt.WithAudience(expectedAudience))
	if err != nil || !parsed.Valid {
		return "", "", errors.New("httpapi: invalid token")
	}

	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return "", "", errors.New("httpapi: token has no userId or subject claim")
	}
	return tokenString, id, nil
}
