package httpapi

import (
	"net/http"
	"time"

	"github.com/mastra-agents/chatgateway/internal/agentrouter"
	"github.com/mastra-agents/chatgateway/internal/apperr"
	"github.com/mastra-agents/chatgateway/internal/config"
	"github.com/mastra-agents/chatgateway/internal/logger"
	"github.com/mastra-agents/chatgateway/internal/model"
	"github.com/mastra-agents/chatgateway/internal/sessionstore"
)

// TelegramServer implements the Telegram half of the control plane:
// POST /pair, DELETE /pair, GET /status, PUT /settings.
type TelegramServer struct {
	auth        *Authenticator
	mappings    *sessionstore.MappingManifest
	pairing     *sessionstore.PairingCodes
	botUsername string
	cfg         *config.Config
	log         *logger.Logger
}

// NewTelegramServer constructs the Telegram control-plane handler.
func NewTelegramServer(auth *Authenticator, mappings *sessionstore.MappingManifest, pairing *sessionstore.PairingCodes, botUsername string, cfg *config.Config, log *logger.Logger) *TelegramServer {
	return &TelegramServer{
		auth:        auth,
		mappings:    mappings,
		pairing:     pairing,
		botUsername: botUsername,
		cfg:         cfg,
		log:         log.WithComponent("httpapi.telegram"),
	}
}

// Handler returns the routed, authenticated, CORS-wrapped mux.
func (s *TelegramServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /pair", s.handlePair)
	mux.HandleFunc("DELETE /pair", s.handleUnpair)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("PUT /settings", s.handleSettings)
	return withRequestID(cors(s.cfg.AllowedOrigins, s.auth.Middleware(mux)))
}

type pairRequest struct {
	AgentID     string `json:"agentId"`
	AssistantID string `json:"assistantId"`
	WorkspaceID string `json:"workspaceId"`
}

// handlePair issues a new pairing code, overwriting any pending code for
// this user. The user's own bearer token is what the pairing
// code ultimately hands to the Telegram chat on /start, so the backend
// auth token a later agent dispatch needs is captured here too.
func (s *TelegramServer) handlePair(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	rawToken, _ := RawToken(r.Context())

	var req pairRequest
	_ = decodeJSONBody(r, &req)

	agentID := req.AgentID
	if agentID == "" {
		agentID = req.AssistantID
	}
	if agentID == "" || !agentrouter.KnownAgents[agentrouter.AgentID(agentID)] {
		agentID = string(agentrouter.AgentAssistant)
	}

	pc, err := s.pairing.Issue(userID, rawToken, agentID, time.Now())
	if err != nil {
		s.log.Error("httpapi: issue pairing code for %s: %v", userID, err)
		writeAppError(w, apperr.Internal("failed to issue pairing code", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pairingCode":      pc.Code,
		"botUsername":      s.botUsername,
		"expiresInSeconds": int(model.PairingCodeTTL.Seconds()),
	})
}

// handleUnpair removes the caller's Mapping, if any.
func (s *TelegramServer) handleUnpair(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	if err := s.mappings.RemoveByUserID(userID); err != nil {
		s.log.Error("httpapi: remove mapping for %s: %v", userID, err)
		writeAppError(w, apperr.Internal("failed to disconnect", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus reports the caller's current pairing state.
func (s *TelegramServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	mapping, ok := s.mappings.GetByUserID(userID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"paired": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"paired":           true,
		"telegramUsername": mapping.TelegramUsername,
		"agentId":          mapping.AgentID,
	})
}

type settingsRequest struct {
	AgentID     string `json:"agentId"`
	AssistantID string `json:"assistantId"`
}

// handleSettings updates the caller's default agent on their Mapping.
// This is scoped to a user who is already paired; an unpaired
// caller gets the same 404 a not-owned resource would.
func (s *TelegramServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	mapping, ok := s.mappings.GetByUserID(userID)
	if !ok {
		writeAppError(w, apperr.NotFound("not paired"))
		return
	}

	var req settingsRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = req.AssistantID
	}
	if agentID == "" || !agentrouter.KnownAgents[agentrouter.AgentID(agentID)] {
		writeError(w, http.StatusBadRequest, "unknown agent")
		return
	}

	mapping.AgentID = agentID
	if err := s.mappings.Upsert(mapping); err != nil {
		s.log.Error("httpapi: persist settings for %s: %v", userID, err)
		writeAppError(w, apperr.Internal("failed to update settings", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agentId": agentID})
}
