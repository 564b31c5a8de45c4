// Package refresh implements the backend's privileged token-rotation
// endpoints: the dispatcher's one-shot auth-retry calls through these
// clients whenever an agent call fails with an auth error, then persists
// the rotated token back into the Session Store before retrying.
package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mastra-agents/chatgateway/internal/sessionstore"
)

type refreshResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// httpClient is the shared plumbing both transport-specific refreshers
// use, the same net/http+JSON shape as agentruntime.HTTPRuntime.
type httpClient struct {
	baseURL       string
	gatewaySecret string
	client        *http.Client
}

func newHTTPClient(baseURL, gatewaySecret string) httpClient {
	return httpClient{
		baseURL:       baseURL,
		gatewaySecret: gatewaySecret,
		client:        &http.Client{Timeout: 15 * time.Second},
	}
}

func (c httpClient) post(ctx context.Context, path string, body any) (*refreshResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("refresh: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("refresh: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-Secret", c.gatewaySecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh: call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode >= 400 {
		return nil, fmt.Errorf("refresh: %s returned %d: unrecoverable", path, resp.StatusCode)
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("refresh: decode response: %w", err)
	}
	return &out, nil
}

// WhatsAppRefresher implements agentruntime.TokenRefresher for WhatsApp
// sessions: POST /api/whatsapp-gateway/refresh-token keyed by sessionId
// persisting the rotation into the session manifest.
type WhatsAppRefresher struct {
	httpClient
	sessions *sessionstore.SessionManifest
}

// NewWhatsAppRefresher constructs a refresher against baseURL.
func NewWhatsAppRefresher(baseURL, gatewaySecret string, sessions *sessionstore.SessionManifest) *WhatsAppRefresher {
	return &WhatsAppRefresher{httpClient: newHTTPClient(baseURL, gatewaySecret), sessions: sessions}
}

// Refresh rotates the token for ownerKey (a sessionId) and persists it.
func (r *WhatsAppRefresher) Refresh(ctx context.Context, ownerKey string) (string, error) {
	out, err := r.post(ctx, "/api/whatsapp-gateway/refresh-token", map[string]string{"sessionId": ownerKey})
	if err != nil {
		return "", err
	}
	if err := r.sessions.SetEncryptedToken(ownerKey, out.Token); err != nil {
		return "", fmt.Errorf("refresh: persist rotated whatsapp token: %w", err)
	}
	return out.Token, nil
}

// TelegramRefresher implements agentruntime.TokenRefresher for Telegram
// mappings: the analogous endpoint keyed by userId.
type TelegramRefresher struct {
	httpClient
	mappings *sessionstore.MappingManifest
}

// NewTelegramRefresher constructs a refresher against baseURL.
func NewTelegramRefresher(baseURL, gatewaySecret string, mappings *sessionstore.MappingManifest) *TelegramRefresher {
	return &TelegramRefresher{httpClient: newHTTPClient(baseURL, gatewaySecret), mappings: mappings}
}

// Refresh rotates the token for ownerKey (a userId) and persists it under
// that user's mapping.
func (r *TelegramRefresher) Refresh(ctx context.Context, ownerKey string) (string, error) {
	out, err := r.post(ctx, "/api/telegram-gateway/refresh-token", map[string]string{"userId": ownerKey})
	if err != nil {
		return "", err
	}
	mapping, ok := r.mappings.GetByUserID(ownerKey)
	if !ok {
		return "", fmt.Errorf("refresh: unknown telegram mapping for user %s", ownerKey)
	}
	if err := r.mappings.SetEncryptedToken(mapping.TelegramChatID, out.Token); err != nil {
		return "", fmt.Errorf("refresh: persist rotated telegram token: %w", err)
	}
	return out.Token, nil
}
