// Package apperr centralizes the error taxonomy so HTTP handlers and
// transport adapters classify failures the same way everywhere.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for HTTP status mapping and propagation policy.
type Kind int

const (
	KindInternal Kind = iota
	KindAuth
	KindResourceLimit
	KindNotFound
	KindTransportTransient
	KindUpstream
	KindDecrypt
	KindQuota
)

// Error wraps an underlying cause with a Kind and optional user-facing
// message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Auth, NotFound, ResourceLimit, Upstream, Decrypt and Quota are
// convenience constructors for the taxonomy in the error handling design.
func Auth(message string, cause error) *Error     { return New(KindAuth, message, cause) }
func NotFound(message string) *Error              { return New(KindNotFound, message, nil) }
func ResourceLimit(message string) *Error         { return New(KindResourceLimit, message, nil) }
func Upstream(message string, cause error) *Error { return New(KindUpstream, message, cause) }
func Decrypt(message string, cause error) *Error  { return New(KindDecrypt, message, cause) }
func Quota(message string, cause error) *Error    { return New(KindQuota, message, cause) }
func Internal(message string, cause error) *Error { return New(KindInternal, message, cause) }

// HTTPStatus maps an error to its control-plane HTTP status code.
// Not found and not-authorized are intentionally indistinguishable (404).
func HTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		switch appErr.Kind {
		case KindAuth:
			return http.StatusUnauthorized
		case KindResourceLimit:
			return http.StatusConflict
		case KindNotFound:
			return http.StatusNotFound
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// IsAuthFailure reports whether err's message indicates the agent-side
// auth-retry protocol should fire: any failure whose text contains
// "unauthorized" or "401".
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsFold(msg, "unauthorized") || containsFold(msg, "401")
}

func containsFold(s, substr string) bool {
	sl, subl := []rune(s), []rune(substr)
	if len(subl) == 0 {
		return true
	}
	toLower := func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}
	for i := 0; i+len(subl) <= len(sl); i++ {
		match := true
		for j := range subl {
			if toLower(sl[i+j]) != toLower(subl[j]) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
