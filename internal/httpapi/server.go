package httpapi

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/google/uuid"

	"github.com/mastra-agents/chatgateway/internal/apperr"
)

// withRequestID tags every request with a fresh request ID, echoed back in
// the X-Request-Id response header so control-plane callers can correlate
// a failed call with the gateway's structured logs.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// decodeJSONBody decodes an optional JSON request body into dst. A missing
// or empty body is treated as "all fields default", not an error: every
// endpoint on this control plane accepts an empty object.
func decodeJSONBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

// cors wraps a handler with the configured AllowedOrigins policy (Open
// Question resolution 3): OPTIONS preflights are answered permissively,
// real requests get the matching Access-Control-Allow-Origin.
func cors(allowedOrigins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowOrigin(allowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", corsOriginValue(allowedOrigins, origin))
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func allowOrigin(allowed []string, origin string) bool {
	if slices.Contains(allowed, "*") {
		return true
	}
	return origin != "" && slices.Contains(allowed, origin)
}

func corsOriginValue(allowed []string, origin string) string {
	if slices.Contains(allowed, "*") {
		return "*"
	}
	return origin
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAppError classifies err via apperr.HTTPStatus and writes the
// matching status code, so every handler maps the error taxonomy (auth,
// resource-limit, not-found, internal) through one place.
func writeAppError(w http.ResponseWriter, err *apperr.Error) {
	writeError(w, apperr.HTTPStatus(err), err.Message)
}
