// Package agentruntime implements the agent dispatcher: building the
// request context for a turn, invoking the external agent runtime, the
// auth-retry-on-401 protocol, and response chunking/delivery. The agent
// runtime itself (LLM inference, tool invocation) lives behind the narrow
// Generate interface the dispatcher calls; it is an external collaborator
// to this process.
package agentruntime

import (
	"context"
)

// Message is one turn handed to the agent runtime.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// RequestContext is the per-request immutable dictionary of string keys
// passed explicitly through the dispatch call chain.
type RequestContext map[string]string

// Keys used in RequestContext, populated by the dispatcher.
const (
	CtxAuthToken       = "authToken"
	CtxUserID          = "userId"
	CtxWhatsAppSession = "whatsappSession"
	CtxTelegramChatID  = "telegramChatId"
	CtxWorkspaceID     = "workspaceId"
)

// Response is the agent runtime's reply to one Generate call.
type Response struct {
	Text string
}

// Runtime is the opaque external Agent Runtime collaborator.
type Runtime interface {
	Generate(ctx context.Context, agentID string, messages []Message, reqCtx RequestContext) (*Response, error)
}
