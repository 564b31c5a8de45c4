// Package transport implements the transport adapters: a WhatsApp variant
// wrapping go.mau.fi/whatsmeow's Signal/Noise client and a Telegram
// variant long-polling the Bot API, both exposing the same uniform
// inbound/outbound contract so the router never sees transport-specific
// shapes.
package transport

import "context"

// ConnState is the transport-agnostic connection lifecycle state an
// adapter reports for a session.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClosed     ConnState = "closed"
	StateLoggedOut  ConnState = "logged_out"
)

// PresenceState is the presence signal an adapter can push to a remote
// chat.
type PresenceState string

const (
	PresenceTyping PresenceState = "typing"
	PresenceOnline PresenceState = "online"
)

// Inbound is one transport-native event normalized for the Router, fired
// through the InboundHandler below. OwnerKey identifies the session
// (WhatsApp sessionId) or process (Telegram, where there is one bot for
// every chat); RemoteChatID identifies the remote conversation within
// that scope.
type Inbound struct {
	OwnerKey     string
	RemoteChatID string
	MessageID    string
	Text         string
	FromMe       bool
	QuotedText   string
	ReplyToID    string // non-empty if this event is a reply to an earlier message
}

// InboundHandler is how an adapter hands a filtered, normalized event to
// the Router. The adapter calls this synchronously from its own
// per-session event loop, so implementations must not block longer than
// that session can tolerate.
type InboundHandler func(ctx context.Context, in Inbound)

// ConnectionHandler is how an adapter reports lifecycle transitions.
type ConnectionHandler func(ownerKey string, state ConnState)

// Adapter is the uniform interface both transport variants expose to the
// router and dispatcher.
type Adapter interface {
	Send(ctx context.Context, ownerKey, remoteChatID, text string) (messageID string, err error)
	SetPresence(ctx context.Context, ownerKey, remoteChatID string, state PresenceState) error
	React(ctx context.Context, ownerKey, remoteChatID, messageID, emoji string) error
	MarkRead(ctx context.Context, ownerKey, remoteChatID, messageID string) error
}

// ownerSender binds an Adapter to one fixed ownerKey, giving it the
// narrower (ctx, remoteChatID, text) shape agentruntime.Sender expects.
// Dispatch is per-session, so the owner is always known by the time a
// Sender is needed.
type ownerSender struct {
	adapter  Adapter
	ownerKey string
}

// SenderFor adapts a transport Adapter into an agentruntime.Sender scoped
// to one ownerKey (a WhatsApp sessionId, or "telegram" for the single bot
// process).
func SenderFor(adapter Adapter, ownerKey string) *ownerSender {
	return &ownerSender{adapter: adapter, ownerKey: ownerKey}
}

func (s *ownerSender) Send(ctx context.Context, remoteChatID, text string) (string, error) {
	return s.adapter.Send(ctx, s.ownerKey, remoteChatID, text)
}
