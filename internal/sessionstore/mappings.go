package sessionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/mastra-agents/chatgateway/internal/cipher"
	"github.com/mastra-agents/chatgateway/internal/model"
)

// MappingManifest persists Telegram Mapping records to
// telegram-mappings.json, keyed by telegramChatId, maintaining the
// bijective userId → telegramChatId reverse index in memory.
type MappingManifest struct {
	dir    string
	secret string

	mu       sync.Mutex
	byChatID map[int64]*model.Mapping
	byUserID map[string]int64
}

// NewMappingManifest opens a manifest rooted at dir.
func NewMappingManifest(dir, secret string) *MappingManifest {
	return &MappingManifest{
		dir:      dir,
		secret:   secret,
		byChatID: make(map[int64]*model.Mapping),
		byUserID: make(map[string]int64),
	}
}

func (m *MappingManifest) manifestPath() string {
	return filepath.Join(m.dir, "telegram-mappings.json")
}

// LoadAll reads the manifest and rebuilds the reverse index. Token
// decryption failures mark NeedsRepairing rather than aborting the load.
func (m *MappingManifest) LoadAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.manifestPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sessionstore: read mappings: %w", err)
	}

	var raw map[string]*model.Mapping
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("sessionstore: parse mappings: %w", err)
	}

	byChatID := make(map[int64]*model.Mapping, len(raw))
	byUserID := make(map[string]int64, len(raw))
	for key, mapping := range raw {
		chatID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		if mapping.EncryptedAuthToken != "" {
			if _, decErr := cipher.Decrypt(mapping.EncryptedAuthToken, m.secret); decErr != nil {
				mapping.NeedsRepairing = true
			}
		}
		byChatID[chatID] = mapping
		byUserID[mapping.UserID] = chatID
	}
	m.byChatID = byChatID
	m.byUserID = byUserID
	return nil
}

// GetByChatID looks up a mapping by Telegram chat ID.
func (m *MappingManifest) GetByChatID(chatID int64) (*model.Mapping, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapping, ok := m.byChatID[chatID]
	return mapping, ok
}

// GetByUserID looks up a mapping via the reverse index.
func (m *MappingManifest) GetByUserID(userID string) (*model.Mapping, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chatID, ok := m.byUserID[userID]
	if !ok {
		return nil, false
	}
	mapping, ok := m.byChatID[chatID]
	return mapping, ok
}

// List returns every mapping.
func (m *MappingManifest) List() []*model.Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Mapping, 0, len(m.byChatID))
	for _, mapping := range m.byChatID {
		out = append(out, mapping)
	}
	return out
}

// Upsert writes mapping, keeping the reverse index consistent (bijective
// a prior mapping for the same userId under a different chat ID is
// evicted).
func (m *MappingManifest) Upsert(mapping *model.Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prevChatID, ok := m.byUserID[mapping.UserID]; ok && prevChatID != mapping.TelegramChatID {
		delete(m.byChatID, prevChatID)
	}
	if prev, ok := m.byChatID[mapping.TelegramChatID]; ok && prev.UserID != mapping.UserID {
		delete(m.byUserID, prev.UserID)
	}

	mapping.SchemaVersion = model.SchemaVersion
	m.byChatID[mapping.TelegramChatID] = mapping
	m.byUserID[mapping.UserID] = mapping.TelegramChatID
	return m.writeLocked()
}

// SetEncryptedToken re-encrypts and persists a token rotation.
func (m *MappingManifest) SetEncryptedToken(chatID int64, plaintext string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mapping, ok := m.byChatID[chatID]
	if !ok {
		return fmt.Errorf("sessionstore: unknown mapping for chat %d", chatID)
	}
	blob, err := cipher.Encrypt(plaintext, m.secret)
	if err != nil {
		return fmt.Errorf("sessionstore: encrypt token: %w", err)
	}
	mapping.EncryptedAuthToken = blob
	mapping.NeedsRepairing = false
	return m.writeLocked()
}

// DecryptToken returns the current plaintext token for chatID.
func (m *MappingManifest) DecryptToken(chatID int64) (string, error) {
	m.mu.Lock()
	mapping, ok := m.byChatID[chatID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("sessionstore: unknown mapping for chat %d", chatID)
	}
	if mapping.EncryptedAuthToken == "" {
		return "", fmt.Errorf("sessionstore: no token for chat %d", chatID)
	}
	return cipher.Decrypt(mapping.EncryptedAuthToken, m.secret)
}

// RemoveByUserID deletes the mapping owned by userID, if any.
func (m *MappingManifest) RemoveByUserID(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chatID, ok := m.byUserID[userID]
	if !ok {
		return nil
	}
	delete(m.byUserID, userID)
	delete(m.byChatID, chatID)
	return m.writeLocked()
}

func (m *MappingManifest) writeLocked() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("sessionstore: mkdir: %w", err)
	}

	out := make(map[string]*model.Mapping, len(m.byChatID))
	for chatID, mapping := range m.byChatID {
		out[strconv.FormatInt(chatID, 10)] = mapping
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionstore: marshal mappings: %w", err)
	}

	tmp := m.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("sessionstore: write temp: %w", err)
	}
	return os.Rename(tmp, m.manifestPath())
}
