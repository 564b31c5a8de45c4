package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/mastra-agents/chatgateway/internal/apperr"
	"github.com/mastra-agents/chatgateway/internal/config"
	"github.com/mastra-agents/chatgateway/internal/logger"
	"github.com/mastra-agents/chatgateway/internal/model"
	"github.com/mastra-agents/chatgateway/internal/sessionstore"
	"github.com/mastra-agents/chatgateway/internal/transport"
)

// WhatsAppServer implements the WhatsApp half of the control plane:
// POST /login, GET /login/{sessionId}/qr, GET /login/{sessionId}/status,
// GET /sessions, DELETE /sessions/{sessionId}.
type WhatsAppServer struct {
	auth     *Authenticator
	sessions *sessionstore.SessionManifest
	adapter  *transport.WhatsAppAdapter
	cfg      *config.Config
	log      *logger.Logger
}

// NewWhatsAppServer constructs the WhatsApp control-plane handler.
func NewWhatsAppServer(auth *Authenticator, sessions *sessionstore.SessionManifest, adapter *transport.WhatsAppAdapter, cfg *config.Config, log *logger.Logger) *WhatsAppServer {
	return &WhatsAppServer{auth: auth, sessions: sessions, adapter: adapter, cfg: cfg, log: log.WithComponent("httpapi.whatsapp")}
}

// Handler returns the routed, authenticated, CORS-wrapped mux.
func (s *WhatsAppServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /login/{sessionId}/qr", s.handleQR)
	mux.HandleFunc("GET /login/{sessionId}/status", s.handleStatus)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{sessionId}", s.handleDeleteSession)
	return withRequestID(cors(s.cfg.AllowedOrigins, s.auth.Middleware(mux)))
}

// handleLogin is idempotent per userId: an existing session's id is
// returned as-is. Creating a new session persists it and starts
// CreateSocket (and with it QR generation) in a background goroutine; the
// handler returns the session id at once, without waiting for the socket
// or a QR, and GET /login/{sessionId}/qr answers 503 until a QR exists.
func (s *WhatsAppServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	if existing, ok := s.sessions.GetByUserID(userID); ok {
		writeJSON(w, http.StatusOK, map[string]string{"sessionId": existing.SessionID})
		return
	}

	if s.sessions.Count() >= s.cfg.WhatsAppMaxSessions {
		writeAppError(w, apperr.ResourceLimit("maximum number of sessions reached"))
		return
	}

	sessionID := newSessionID()
	credDir := s.sessions.CredentialsDir(sessionID)
	session := &model.Session{
		SessionID:       sessionID,
		UserID:          userID,
		CredentialsPath: credDir,
		CreatedAt:       time.Now(),
	}
	if err := s.sessions.Persist(session); err != nil {
		s.log.Error("httpapi: persist new session: %v", err)
		writeAppError(w, apperr.Internal("failed to create session", err))
		return
	}

	go func() {
		ctx := context.Background()
		if err := s.adapter.CreateSocket(ctx, sessionID, credDir); err != nil {
			s.log.Error("httpapi: create socket for session %s: %v", sessionID, err)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID})
}

func (s *WhatsAppServer) handleQR(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if !s.ownsSession(r, sessionID) {
		writeAppError(w, apperr.NotFound("session not found"))
		return
	}

	png, connected, ok := s.adapter.QR(sessionID)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "qr not yet available")
		return
	}
	if connected {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("already connected"))
		return
	}
	if len(png) == 0 {
		writeError(w, http.StatusServiceUnavailable, "qr not yet available")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *WhatsAppServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if !s.ownsSession(r, sessionID) {
		writeAppError(w, apperr.NotFound("session not found"))
		return
	}

	connected, phoneNumber, qrAvailable, ok := s.adapter.Status(sessionID)
	if !ok {
		writeAppError(w, apperr.NotFound("session not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":   connected,
		"phoneNumber": phoneNumber,
		"qrAvailable": qrAvailable,
	})
}

func (s *WhatsAppServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	sessions := s.sessions.ListByUserID(userID)

	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, map[string]any{
			"sessionId":   sess.SessionID,
			"phoneNumber": sess.PhoneNumber,
			"createdAt":   sess.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *WhatsAppServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if !s.ownsSession(r, sessionID) {
		writeAppError(w, apperr.NotFound("session not found"))
		return
	}

	s.adapter.Close(sessionID)
	if err := s.sessions.Remove(sessionID); err != nil {
		s.log.Error("httpapi: remove session %s: %v", sessionID, err)
		writeAppError(w, apperr.Internal("failed to remove session", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// newSessionID returns a fresh 8-hex session identifier.
func newSessionID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// ownsSession enforces the userId-scoped authorization rule: a
// session may only be accessed by the user whose JWT matches its owning
// userId. Not-found and not-authorized are deliberately indistinguishable.
func (s *WhatsAppServer) ownsSession(r *http.Request, sessionID string) bool {
	userID, _ := UserID(r.Context())
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return false
	}
	return session.UserID == userID
}
