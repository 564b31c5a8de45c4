package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mastra-agents/chatgateway/internal/config"
	"github.com/mastra-agents/chatgateway/internal/logger"
	"github.com/mastra-agents/chatgateway/internal/model"
	"github.com/mastra-agents/chatgateway/internal/sessionstore"
)

func newTestTelegramServer(t *testing.T) (*TelegramServer, *sessionstore.MappingManifest) {
	t.Helper()
	mappings := sessionstore.NewMappingManifest(t.TempDir(), "secret")
	pairing := sessionstore.NewPairingCodes()
	cfg := config.Default()
	testLog := logger.New(&logger.Config{Output: io.Discard})
	return NewTelegramServer(NewAuthenticator(testSecret), mappings, pairing, "mybot", cfg, testLog), mappings
}

func authedRequest(t *testing.T, method, path, userID string, body string) *http.Request {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.Header.Set("Authorization", "Bearer "+signToken(t, userID, userID, time.Hour))
	return r
}

func TestTelegramPairIssuesCodeIdempotently(t *testing.T) {
	srv, _ := newTestTelegramServer(t)
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authedRequest(t, http.MethodPost, "/pair", "u1", `{"agentId":"weather"}`))
	require.Equal(t, http.StatusOK, w.Code)

	var first map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Equal(t, "mybot", first["botUsername"])
	require.EqualValues(t, 600, first["expiresInSeconds"])
	firstCode := first["pairingCode"].(string)
	require.Len(t, firstCode, 6)

	// Re-issuing evicts the previous code rather than stacking a second one.
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, authedRequest(t, http.MethodPost, "/pair", "u1", `{}`))
	require.Equal(t, http.StatusOK, w2.Code)
	var second map[string]any
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &second))
	require.NotEqual(t, firstCode, second["pairingCode"])
}

func TestTelegramStatusUnpaired(t *testing.T) {
	srv, _ := newTestTelegramServer(t)
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authedRequest(t, http.MethodGet, "/status", "u1", ""))
	require.Equal(t, http.StatusOK, w.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, false, out["paired"])
}

func TestTelegramStatusAndSettingsAfterPairing(t *testing.T) {
	srv, mappings := newTestTelegramServer(t)
	require.NoError(t, mappings.Upsert(&model.Mapping{
		TelegramChatID:   555,
		TelegramUsername: "alice",
		UserID:           "u1",
		AgentID:          "assistant",
		PairedAt:         time.Now(),
	}))
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authedRequest(t, http.MethodGet, "/status", "u1", ""))
	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(t, true, status["paired"])
	require.Equal(t, "assistant", status["agentId"])

	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, authedRequest(t, http.MethodPut, "/settings", "u1", `{"agentId":"pierre"}`))
	require.Equal(t, http.StatusOK, w2.Code)

	mapping, ok := mappings.GetByUserID("u1")
	require.True(t, ok)
	require.Equal(t, "pierre", mapping.AgentID)
}

func TestTelegramSettingsRejectsUnknownAgent(t *testing.T) {
	srv, mappings := newTestTelegramServer(t)
	require.NoError(t, mappings.Upsert(&model.Mapping{TelegramChatID: 1, UserID: "u1", AgentID: "assistant", PairedAt: time.Now()}))
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authedRequest(t, http.MethodPut, "/settings", "u1", `{"agentId":"nope"}`))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTelegramUnpairRemovesMapping(t *testing.T) {
	srv, mappings := newTestTelegramServer(t)
	require.NoError(t, mappings.Upsert(&model.Mapping{TelegramChatID: 1, UserID: "u1", AgentID: "assistant", PairedAt: time.Now()}))
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authedRequest(t, http.MethodDelete, "/pair", "u1", ""))
	require.Equal(t, http.StatusNoContent, w.Code)

	_, ok := mappings.GetByUserID("u1")
	require.False(t, ok)
}
