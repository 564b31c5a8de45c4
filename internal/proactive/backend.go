package proactive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPBackend is the production Backend implementation: it calls the
// external productivity platform's own REST surface, bearer-authenticated
// with the per-user token decrypted from the Telegram mapping. Out of
// scope for this repository (it lives in the backend tRPC service); this is
// only the narrow client the scheduler needs.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBackend constructs a backend client against baseURL
// (TODO_APP_BASE_URL).
func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{baseURL: baseURL, client: &http.Client{Timeout: 20 * time.Second}}
}

func (b *HTTPBackend) get(ctx context.Context, path, authToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("proactive: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+authToken)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("proactive: call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("proactive: %s returned %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("proactive: decode %s response: %w", path, err)
	}
	return nil
}

// StaleProjects implements Backend.
func (b *HTTPBackend) StaleProjects(ctx context.Context, userID, authToken string) ([]StaleProject, error) {
	var out struct {
		Projects []StaleProject `json:"projects"`
	}
	if err := b.get(ctx, "/api/proactive/stale-projects", authToken, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// MorningBriefing implements Backend via the backend's "morning briefing"
// aggregation endpoint.
func (b *HTTPBackend) MorningBriefing(ctx context.Context, userID, authToken string) ([]string, error) {
	var out struct {
		OverdueActions []string `json:"overdueActions"`
	}
	if err := b.get(ctx, "/api/proactive/morning-briefing", authToken, &out); err != nil {
		return nil, err
	}
	return out.OverdueActions, nil
}

// AtRiskGoals implements Backend.
func (b *HTTPBackend) AtRiskGoals(ctx context.Context, userID, authToken string) ([]AtRiskGoal, error) {
	var out struct {
		Goals []AtRiskGoal `json:"goals"`
	}
	if err := b.get(ctx, "/api/proactive/at-risk-goals", authToken, &out); err != nil {
		return nil, err
	}
	return out.Goals, nil
}

// SprintRiskSignals implements Backend. An absent active sprint is
// reported by the backend as an empty list, not an error.
func (b *HTTPBackend) SprintRiskSignals(ctx context.Context, userID, authToken string) ([]RiskSignal, error) {
	var out struct {
		Signals []RiskSignal `json:"signals"`
	}
	if err := b.get(ctx, "/api/proactive/sprint-risk-signals", authToken, &out); err != nil {
		return nil, err
	}
	return out.Signals, nil
}
