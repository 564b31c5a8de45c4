// Package sessionstore persists WhatsApp sessions and Telegram mappings
// as crash-consistent JSON manifests, each backed by a directory of
// opaque transport credentials. Single-writer: one gateway process owns
// a manifest directory, and every mutation atomically rewrites the file.
package sessionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mastra-agents/chatgateway/internal/cipher"
	"github.com/mastra-agents/chatgateway/internal/model"
)

// SessionManifest persists WhatsApp Session records to sessions.json under
// dir, alongside each session's <sessionId>/ credential directory.
type SessionManifest struct {
	dir    string
	secret string

	mu       sync.Mutex
	sessions map[string]*model.Session // keyed by sessionId
}

// NewSessionManifest opens (without yet loading) a manifest rooted at dir.
func NewSessionManifest(dir, secret string) *SessionManifest {
	return &SessionManifest{dir: dir, secret: secret, sessions: make(map[string]*model.Session)}
}

func (m *SessionManifest) manifestPath() string {
	return filepath.Join(m.dir, "sessions.json")
}

// LoadAll reads the manifest, skipping (but logging, via the returned
// skipped slice) entries whose credentials directory is missing. Token
// decryption is best-effort: failures mark NeedsRepairing rather than
// aborting the load.
func (m *SessionManifest) LoadAll() (skipped []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.manifestPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessionstore: read manifest: %w", err)
	}

	var raw map[string]*model.Session
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("sessionstore: parse manifest: %w", err)
	}

	loaded := make(map[string]*model.Session, len(raw))
	for id, sess := range raw {
		credDir := filepath.Join(m.dir, id)
		if _, statErr := os.Stat(credDir); statErr != nil {
			skipped = append(skipped, id)
			continue
		}
		if sess.EncryptedAuthToken != "" {
			if _, decErr := cipher.Decrypt(sess.EncryptedAuthToken, m.secret); decErr != nil {
				sess.NeedsRepairing = true
			}
		}
		loaded[id] = sess
	}
	m.sessions = loaded
	return skipped, nil
}

// Get returns the session with the given id.
func (m *SessionManifest) Get(sessionID string) (*model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// GetByUserID enforces the invariant that at most one Session exists per userId.
func (m *SessionManifest) GetByUserID(userID string) (*model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID {
			return s, true
		}
	}
	return nil, false
}

// List returns all sessions, owned-copy order unspecified.
func (m *SessionManifest) List() []*model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// ListByUserID returns every session owned by userID (normally 0 or 1,
// since a user holds at most one session per process).
func (m *SessionManifest) ListByUserID(userID string) []*model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of currently-tracked sessions, for the
// MAX_SESSIONS check.
func (m *SessionManifest) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Persist upserts session into the manifest and atomically rewrites the
// whole file (serialize to temp, then rename), so rotations of the live
// token survive restart.
func (m *SessionManifest) Persist(session *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session.SchemaVersion = model.SchemaVersion
	m.sessions[session.SessionID] = session
	return m.writeLocked()
}

// SetEncryptedToken re-encrypts and atomically persists a token rotation
// for an existing session ("re-encrypt the current live token
// before writing").
func (m *SessionManifest) SetEncryptedToken(sessionID, plaintext string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("sessionstore: unknown session %s", sessionID)
	}
	blob, err := cipher.Encrypt(plaintext, m.secret)
	if err != nil {
		return fmt.Errorf("sessionstore: encrypt token: %w", err)
	}
	s.EncryptedAuthToken = blob
	s.NeedsRepairing = false
	return m.writeLocked()
}

// DecryptToken returns the current plaintext token for sessionID.
func (m *SessionManifest) DecryptToken(sessionID string) (string, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("sessionstore: unknown session %s", sessionID)
	}
	if s.EncryptedAuthToken == "" {
		return "", fmt.Errorf("sessionstore: no token for session %s", sessionID)
	}
	return cipher.Decrypt(s.EncryptedAuthToken, m.secret)
}

// Remove deletes the credentials directory recursively and removes the
// manifest entry. Safe to call with a missing directory or entry.
func (m *SessionManifest) Remove(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil
	}
	delete(m.sessions, sessionID)

	credDir := filepath.Join(m.dir, sessionID)
	if err := os.RemoveAll(credDir); err != nil {
		return fmt.Errorf("sessionstore: remove credentials: %w", err)
	}
	return m.writeLocked()
}

// CredentialsDir returns the path whatsmeow (or any transport client)
// should use as sessionID's opaque credential directory.
func (m *SessionManifest) CredentialsDir(sessionID string) string {
	return filepath.Join(m.dir, sessionID)
}

func (m *SessionManifest) writeLocked() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("sessionstore: mkdir: %w", err)
	}

	data, err := json.MarshalIndent(m.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionstore: marshal: %w", err)
	}

	tmp := m.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("sessionstore: write temp: %w", err)
	}
	if err := os.Rename(tmp, m.manifestPath()); err != nil {
		return fmt.Errorf("sessionstore: rename: %w", err)
	}
	return nil
}
