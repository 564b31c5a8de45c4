package proactive

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPBackendStaleProjects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/proactive/stale-projects", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"projects": []StaleProject{{Name: "migrate-db", LastUpdated: time.Now().Add(-9 * 24 * time.Hour)}},
		})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL)
	out, err := b.StaleProjects(t.Context(), "u1", "tok-1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "migrate-db", out[0].Name)
}

func TestHTTPBackendMorningBriefing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/proactive/morning-briefing", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"overdueActions": []string{"file expense report"}})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL)
	out, err := b.MorningBriefing(t.Context(), "u1", "tok-1")
	require.NoError(t, err)
	require.Equal(t, []string{"file expense report"}, out)
}

func TestHTTPBackendAtRiskGoals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/proactive/at-risk-goals", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"goals": []AtRiskGoal{{Name: "Q3 launch", DaysRemaining: 5, Progress: 20}}})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL)
	out, err := b.AtRiskGoals(t.Context(), "u1", "tok-1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "Q3 launch", out[0].Name)
}

func TestHTTPBackendSprintRiskSignalsEmptyIsNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/proactive/sprint-risk-signals", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"signals": []RiskSignal{}})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL)
	out, err := b.SprintRiskSignals(t.Context(), "u1", "tok-1")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestHTTPBackendPropagatesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL)
	_, err := b.StaleProjects(t.Context(), "u1", "tok-1")
	require.Error(t, err)
}
