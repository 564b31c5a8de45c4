// Package model defines the persisted and in-memory entities shared across
// the gateway's components: sessions, Telegram mappings, pairing codes,
// conversation windows and the bounded caches that back echo suppression.
package model

import "time"

// SchemaVersion is written into every persisted manifest record so future
// format changes can be detected without crashing the loader.
const SchemaVersion = 1

// Session is a WhatsApp session: one per userId, owning a credentials
// directory and (once connected) a phone number.
type Session struct {
	SchemaVersion      int       `json:"schemaVersion"`
	SessionID          string    `json:"sessionId"`
	UserID             string    `json:"userId"`
	PhoneNumber        string    `json:"phoneNumber,omitempty"`
	CredentialsPath    string    `json:"credentialsPath"`
	EncryptedAuthToken string    `json:"encryptedAuthToken,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	LastConnected      time.Time `json:"lastConnected,omitzero"`

	// NeedsRepairing is set when token decryption fails; never persisted as
	// a cause of failure, only as a transient UI signal.
	NeedsRepairing bool `json:"-"`
}

// Mapping is a Telegram pairing: one per userId, bijective with
// TelegramChatID.
type Mapping struct {
	SchemaVersion      int       `json:"schemaVersion"`
	TelegramChatID     int64     `json:"telegramChatId"`
	TelegramUsername   string    `json:"telegramUsername,omitempty"`
	UserID             string    `json:"userId"`
	EncryptedAuthToken string    `json:"encryptedAuthToken,omitempty"`
	AgentID            string    `json:"agentId"`
	PairedAt           time.Time `json:"pairedAt"`
	LastActive         time.Time `json:"lastActive,omitzero"`

	NeedsRepairing bool `json:"-"`
}

// PairingCode is a transient, single-pending-per-user code a Telegram user
// presents via /start to bind their chat to a backend account.
type PairingCode struct {
	Code      string    `json:"code"`
	UserID    string    `json:"userId"`
	AuthToken string    `json:"authToken"`
	AgentID   string    `json:"agentId"`
	CreatedAt time.Time `json:"createdAt"`
}

// PairingCodeTTL is how long a pairing code remains valid.
const PairingCodeTTL = 10 * time.Minute

// Expired reports whether the code is past its TTL at t.
func (p PairingCode) Expired(t time.Time) bool {
	return t.Sub(p.CreatedAt) > PairingCodeTTL
}

// Turn is one entry in a Conversation's bounded history.
type Turn struct {
	Role    string `json:"role"` // "user" | "assistant"
	Content string `json:"content"`
}

// MaxHistory is the maximum number of turns retained per conversation.
const MaxHistory = 10

// ConversationTimeout is the inactivity window after which a conversation is
// considered expired and its agent pin is no longer honored.
const ConversationTimeout = 3 * time.Minute

// Conversation is the bounded per-(session, remote chat) thread state.
type Conversation struct {
	AgentID            string
	LastInteraction    time.Time
	History            []Turn
	LastAgentMessageID string
}

// AppendUser appends a user turn, trimming from the head past MaxHistory.
func (c *Conversation) AppendUser(text string) {
	c.append(Turn{Role: "user", Content: text})
}

// AppendAssistant appends an assistant turn, trimming from the head past
// MaxHistory.
func (c *Conversation) AppendAssistant(text string) {
	c.append(Turn{Role: "assistant", Content: text})
}

func (c *Conversation) append(t Turn) {
	c.History = append(c.History, t)
	if len(c.History) > MaxHistory {
		c.History = c.History[len(c.History)-MaxHistory:]
	}
}

// Active reports whether the conversation is still within its inactivity
// window at time t.
func (c *Conversation) Active(t time.Time) bool {
	return t.Sub(c.LastInteraction) <= ConversationTimeout
}

// SentMessageIndexCap bounds the number of self-sent message IDs retained
// per session for echo suppression.
const SentMessageIndexCap = 1000

// SentMessageIndex is a FIFO-evicted set of message IDs the gateway itself
// emitted on a given session, used to drop echoed inbound events.
type SentMessageIndex struct {
	order []string
	set   map[string]struct{}
}

// NewSentMessageIndex constructs an empty index.
func NewSentMessageIndex() *SentMessageIndex {
	return &SentMessageIndex{set: make(map[string]struct{})}
}

// Add records a message ID as self-sent, evicting the oldest entry once the
// cap is exceeded.
func (s *SentMessageIndex) Add(id string) {
	if _, ok := s.set[id]; ok {
		return
	}
	s.order = append(s.order, id)
	s.set[id] = struct{}{}
	if len(s.order) > SentMessageIndexCap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.set, oldest)
	}
}

// Contains reports whether id was previously recorded by Add.
func (s *SentMessageIndex) Contains(id string) bool {
	_, ok := s.set[id]
	return ok
}

// MessageCacheCap bounds the number of recent messages retained per remote
// contact.
const MessageCacheCap = 50

// CachedMessage is one entry in a MessageCache.
type CachedMessage struct {
	Timestamp time.Time
	FromMe    bool
	Text      string
	MessageID string
}

// MessageCache is a bounded, per-remote-contact ordered list of recent
// messages, used for ad-hoc context lookup rather than authoritative
// history.
type MessageCache struct {
	byContact map[string][]CachedMessage
}

// NewMessageCache constructs an empty cache.
func NewMessageCache() *MessageCache {
	return &MessageCache{byContact: make(map[string][]CachedMessage)}
}

// Add appends a message for remoteID, evicting the oldest entry once
// MessageCacheCap is exceeded.
func (m *MessageCache) Add(remoteID string, msg CachedMessage) {
	list := append(m.byContact[remoteID], msg)
	if len(list) > MessageCacheCap {
		list = list[len(list)-MessageCacheCap:]
	}
	m.byContact[remoteID] = list
}

// Recent returns the cached messages for remoteID, oldest first.
func (m *MessageCache) Recent(remoteID string) []CachedMessage {
	return m.byContact[remoteID]
}
