// Package agentrouter implements the routing policy: parsing inbound
// text for explicit agent mentions, resolving which agent (if any) should
// handle a message given conversation state, and owning the bounded
// conversation windows that back that decision.
package agentrouter

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mastra-agents/chatgateway/internal/model"
)

// AgentID is a closed enum over the known agent names. Dispatch is a
// tagged variant over this set plus a uniform interface; no reflection.
type AgentID string

const (
	AgentWeather   AgentID = "weather"
	AgentPierre    AgentID = "pierre"
	AgentAsh       AgentID = "ash"
	AgentPaddy     AgentID = "paddy"
	AgentZoe       AgentID = "zoe"
	AgentAssistant AgentID = "assistant"
)

// KnownAgents lists every alias the mention grammar recognizes.
var KnownAgents = map[AgentID]bool{
	AgentWeather:   true,
	AgentPierre:    true,
	AgentAsh:       true,
	AgentPaddy:     true,
	AgentZoe:       true,
	AgentAssistant: true,
}

var mentionRe = regexp.MustCompile(`^@(\w+)\s*`)

// ParseMention extracts a leading "@name " mention. If name is a known
// agent, it returns (agent, remainder, true); an unknown @name is treated
// as no mention and the original text is returned unchanged.
func ParseMention(text string) (agent AgentID, remainder string, ok bool) {
	loc := mentionRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return "", text, false
	}
	name := AgentID(strings.ToLower(text[loc[2]:loc[3]]))
	if !KnownAgents[name] {
		return "", text, false
	}
	return name, text[loc[1]:], true
}

// Inbound is one routed message as seen by the Router, independent of
// transport.
type Inbound struct {
	Text         string
	IsSelfChat   bool // WhatsApp: message arrived in the owner's self-chat
	IsTelegram   bool
	ReplyToID    string // non-empty if this is a reply to an earlier message
	DefaultAgent AgentID
	QuotedText   string
}

// Resolution is the Router's decision for an inbound message.
type Resolution struct {
	Agent      AgentID
	ShouldSend bool
	Text       string // mention stripped, quoted-reply prefix applied
}

// Store owns the per-(session|chatId, remoteChatId) conversation windows.
// Different sessions run on different transport event-loop goroutines, so
// the map itself is guarded by mu; the conversation each key points to is
// still only ever touched from its owning session's loop.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*model.Conversation
}

// NewStore constructs an empty conversation Store.
func NewStore() *Store {
	return &Store{conversations: make(map[string]*model.Conversation)}
}

// Key builds the composite conversation key for a (session|chatId,
// remoteChatId) pair.
func Key(ownerID, remoteID string) string {
	return ownerID + "|" + remoteID
}

// Get returns the conversation for key if one exists and is still active at
// now; an expired conversation is treated as absent (but not deleted here;
// callers decide whether to discard it).
func (s *Store) Get(key string, now time.Time) (*model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[key]
	if !ok {
		return nil, false
	}
	if !c.Active(now) {
		return nil, false
	}
	return c, true
}

// Discard removes the conversation for key, e.g. on explicit "bye".
func (s *Store) Discard(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, key)
}

// Resolve implements the agent resolution policy: first rule that fires
// wins: self-chat override, explicit mention, reply-threading, the
// active pin, and finally the Telegram default before dropping silently.
func (s *Store) Resolve(key string, in Inbound, now time.Time) Resolution {
	agent, remainder, mentioned := ParseMention(in.Text)

	if in.IsSelfChat {
		if mentioned {
			return Resolution{Agent: agent, ShouldSend: true, Text: withQuote(remainder, in.QuotedText)}
		}
		return Resolution{Agent: in.DefaultAgent, ShouldSend: true, Text: withQuote(in.Text, in.QuotedText)}
	}

	if mentioned {
		return Resolution{Agent: agent, ShouldSend: true, Text: withQuote(remainder, in.QuotedText)}
	}

	if in.ReplyToID != "" {
		if c, ok := s.Get(key, now); ok && c.LastAgentMessageID == in.ReplyToID {
			return Resolution{Agent: AgentID(c.AgentID), ShouldSend: true, Text: withQuote(in.Text, in.QuotedText)}
		}
	}

	if c, ok := s.Get(key, now); ok {
		return Resolution{Agent: AgentID(c.AgentID), ShouldSend: true, Text: withQuote(in.Text, in.QuotedText)}
	}

	if in.IsTelegram {
		return Resolution{Agent: in.DefaultAgent, ShouldSend: true, Text: withQuote(in.Text, in.QuotedText)}
	}

	return Resolution{ShouldSend: false}
}

func withQuote(text, quoted string) string {
	if quoted == "" {
		return text
	}
	return "[Replying to: \"" + quoted + "\"]\n\n" + text
}

// Upsert records the user turn and pins the conversation's agent, creating
// the conversation if absent.
func (s *Store) Upsert(key string, agent AgentID, userText string, now time.Time) *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[key]
	if !ok {
		c = &model.Conversation{}
		s.conversations[key] = c
	}
	c.AgentID = string(agent)
	c.LastInteraction = now
	c.AppendUser(userText)
	return c
}

// RecordAssistantTurn appends the assistant's reply and records the message
// ID used for reply-threading detection.
func (s *Store) RecordAssistantTurn(key, replyText, lastMessageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[key]
	if !ok {
		return
	}
	c.AppendAssistant(replyText)
	c.LastAgentMessageID = lastMessageID
}
