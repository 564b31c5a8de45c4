package agentruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mastra-agents/chatgateway/internal/apperr"
)

// HTTPRuntime is the production Runtime implementation: it calls the
// backend's agent endpoint via plain net/http + JSON.
type HTTPRuntime struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRuntime constructs a runtime client against baseURL (the backend's
// TODO_APP_BASE_URL).
func NewHTTPRuntime(baseURL string) *HTTPRuntime {
	return &HTTPRuntime{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type generateRequest struct {
	AgentID  string            `json:"agentId"`
	Messages []Message         `json:"messages"`
	Context  map[string]string `json:"requestContext"`
}

type generateResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Generate calls POST {baseURL}/api/agents/{agentId}/generate.
func (r *HTTPRuntime) Generate(ctx context.Context, agentID string, messages []Message, reqCtx RequestContext) (*Response, error) {
	body, err := json.Marshal(generateRequest{AgentID: agentID, Messages: messages, Context: reqCtx})
	if err != nil {
		return nil, fmt.Errorf("agentruntime: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/agents/%s/generate", r.baseURL, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agentruntime: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := reqCtx[CtxAuthToken]; tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agentruntime: call agent runtime: %w", err)
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("agentruntime: decode response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("agentruntime: unauthorized (401): %s", out.Error)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperr.Quota("agentruntime: agent runtime quota exhausted (429)", fmt.Errorf("%s", out.Error))
	}
	if resp.StatusCode >= 300 {
		return nil, apperr.Upstream(fmt.Sprintf("agentruntime: agent runtime returned %d", resp.StatusCode), fmt.Errorf("%s", out.Error))
	}

	return &Response{Text: out.Text}, nil
}
