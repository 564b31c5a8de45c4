package agentruntime

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mastra-agents/chatgateway/internal/apperr"
	"github.com/mastra-agents/chatgateway/internal/chunker"
	"github.com/mastra-agents/chatgateway/internal/logger"
	"github.com/mastra-agents/chatgateway/internal/metrics"
	"github.com/mastra-agents/chatgateway/internal/model"
	"github.com/mastra-agents/chatgateway/internal/quota"
)

// Transport distinguishes the two directives/limits the dispatcher applies.
type Transport string

const (
	TransportWhatsApp Transport = "whatsapp"
	TransportTelegram Transport = "telegram"
)

// BotSignature is the fixed zero-width sequence the WhatsApp adapter
// appends to every outbound message for cross-instance dedup:
// U+200B U+200C U+200B. The dispatcher never appends it; it only reserves
// room for it when chunking.
const BotSignature = "\u200b\u200c\u200b"

// botSignatureRunes is the signature's length in characters (three
// zero-width code points), the unit WhatsApp's 4096 limit counts in.
const botSignatureRunes = 3

const (
	telegramLimit = 4096
	whatsappLimit = 4096 - botSignatureRunes
)

var formattingDirective = map[Transport]string{
	TransportWhatsApp: "Format replies using WhatsApp-flavored markdown: *bold*, _italic_, ~strikethrough~. Do not use headers or tables.",
	TransportTelegram: "Format replies using Telegram-flavored Markdown: *bold*, _italic_. Headers and tables are allowed.",
}

// ChunkDelayPerMessage is inserted between outbound chunks to avoid
// transport rate limiting, preserving user-visible order.
const ChunkDelayPerMessage = 100 * time.Millisecond

// TokenRefresher refreshes an auth token via the refresh client and
// persists the rotation; implemented per transport (WhatsApp session vs.
// Telegram mapping keyed by userId).
type TokenRefresher interface {
	Refresh(ctx context.Context, ownerKey string) (newToken string, err error)
}

// Sender is the subset of a transport adapter the dispatcher needs to
// deliver a (possibly chunked) reply.
type Sender interface {
	Send(ctx context.Context, remoteChatID, text string) (messageID string, err error)
}

// Dispatcher builds the request context for a turn, invokes the Runtime,
// retries once on auth failure, and delivers the chunked reply.
type Dispatcher struct {
	runtime    Runtime
	refresher  TokenRefresher
	metrics    *metrics.Collector
	quotaQueue *quota.Queue
	log        *logger.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(runtime Runtime, refresher TokenRefresher, collector *metrics.Collector, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		runtime:    runtime,
		refresher:  refresher,
		metrics:    collector,
		quotaQueue: quota.NewQueue(),
		log:        log,
	}
}

// DispatchInput bundles everything Dispatch needs for a single turn.
type DispatchInput struct {
	Transport        Transport
	AgentID          string
	Text             string
	AuthToken        string
	UserID           string
	OwnerKey         string // the key TokenRefresher.Refresh uses to rotate this token
	SessionOrChatKey string // whatsappSession or telegramChatId value
	WorkspaceID      string
	History          []model.Turn
	ReplyPrefix      string // prepended to the reply text before chunking, e.g. WhatsApp's private-response "[Re: ...]" banner
}

// DispatchOutput is the result of a successful Dispatch.
type DispatchOutput struct {
	ReplyText string
	Chunks    []string
}

// Dispatch builds the request context, prepends the formatting directive
// and bounded history, and calls the agent runtime once, retrying exactly
// once on an auth failure.
func (d *Dispatcher) Dispatch(ctx context.Context, in DispatchInput) (*DispatchOutput, error) {
	messages := d.buildMessages(in)
	reqCtx := d.buildContext(in)

	resp, err := d.runtime.Generate(ctx, in.AgentID, messages, reqCtx)
	if err != nil && apperr.IsAuthFailure(err) {
		if d.metrics != nil {
			d.metrics.IncrementAuthRetries()
		}
		d.log.WithFields(map[string]any{"userId": in.UserID, "operation": "auth-retry"}).
			Warn("agentruntime: auth failure dispatching to %s, attempting one refresh", in.AgentID)
		newToken, refreshErr := d.refresher.Refresh(ctx, in.OwnerKey)
		if refreshErr != nil {
			d.log.WithFields(map[string]any{"userId": in.UserID, "operation": "token-refresh"}).
				Error("agentruntime: token refresh failed: %v", refreshErr)
			return nil, fmt.Errorf("please try again")
		}
		reqCtx[CtxAuthToken] = newToken
		resp, err = d.runtime.Generate(ctx, in.AgentID, messages, reqCtx)
		if err != nil {
			d.log.WithFields(map[string]any{"userId": in.UserID, "operation": "dispatch-retry"}).
				Error("agentruntime: retry after refresh still failed: %v", err)
			return nil, fmt.Errorf("please try again")
		}
	} else if err != nil && apperr.Is(err, apperr.KindQuota) {
		resp, err = d.retryOnQuota(ctx, in, messages, reqCtx)
		if err != nil {
			d.log.WithFields(map[string]any{"userId": in.UserID, "operation": "quota-backoff"}).
				Warn("agentruntime: quota backoff abandoned for %s, dropping silently: %v", in.AgentID, err)
			return nil, nil
		}
	} else if err != nil {
		d.log.WithFields(map[string]any{"userId": in.UserID, "operation": "dispatch"}).
			Error("agentruntime: dispatch to %s failed: %v", in.AgentID, err)
		return nil, fmt.Errorf("sorry, please try again")
	}

	replyText := resp.Text
	if in.ReplyPrefix != "" {
		replyText = in.ReplyPrefix + replyText
	}

	limit := telegramLimit
	if in.Transport == TransportWhatsApp {
		limit = whatsappLimit
	}
	chunks := chunker.Chunk(replyText, limit)

	return &DispatchOutput{ReplyText: replyText, Chunks: chunks}, nil
}

// retryOnQuota handles quota exhaustion: a 429 from the agent runtime is
// never surfaced to the user. The retry is routed through
// d.quotaQueue (so a burst of quota failures for the same agent drops the
// oldest pending retry past maxQueueDepth rather than growing unbounded)
// and driven by quota.NewBackoff's 60s/double/30min-cap schedule, bound to
// ctx so it gives up the instant the caller's context is done instead of
// retrying forever.
func (d *Dispatcher) retryOnQuota(ctx context.Context, in DispatchInput, messages []Message, reqCtx RequestContext) (*Response, error) {
	var resp *Response
	var opErr error

	dropped := d.quotaQueue.Enqueue(in.AgentID, func() {
		opErr = backoff.Retry(func() error {
			r, err := d.runtime.Generate(ctx, in.AgentID, messages, reqCtx)
			if err != nil {
				return err
			}
			resp = r
			return nil
		}, backoff.WithContext(quota.NewBackoff(), ctx))
	})
	if dropped {
		d.log.Warn("agentruntime: quota queue for agent %s at capacity, dropped oldest pending retry", in.AgentID)
	}

	for _, work := range d.quotaQueue.Drain(in.AgentID) {
		work()
	}
	return resp, opErr
}

func (d *Dispatcher) buildMessages(in DispatchInput) []Message {
	messages := []Message{{Role: "system", Content: formattingDirective[in.Transport]}}
	for _, t := range in.History {
		messages = append(messages, Message{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, Message{Role: "user", Content: in.Text})
	return messages
}

func (d *Dispatcher) buildContext(in DispatchInput) RequestContext {
	reqCtx := RequestContext{
		CtxAuthToken: in.AuthToken,
		CtxUserID:    in.UserID,
	}
	if in.Transport == TransportWhatsApp {
		reqCtx[CtxWhatsAppSession] = in.SessionOrChatKey
	} else {
		reqCtx[CtxTelegramChatID] = in.SessionOrChatKey
	}
	if in.WorkspaceID != "" {
		reqCtx[CtxWorkspaceID] = in.WorkspaceID
	}
	return reqCtx
}

// DeliverChunks sends each chunk in order through sender, sleeping
// ChunkDelayPerMessage between chunks, and returns the final chunk's
// message ID (the only one recorded as lastAgentMessageId).
func DeliverChunks(ctx context.Context, sender Sender, remoteChatID string, chunks []string) (lastMessageID string, err error) {
	for i, chunk := range chunks {
		id, sendErr := sender.Send(ctx, remoteChatID, chunk)
		if sendErr != nil {
			return "", fmt.Errorf("agentruntime: send chunk %d/%d: %w", i+1, len(chunks), sendErr)
		}
		lastMessageID = id
		if i < len(chunks)-1 {
			select {
			case <-time.After(ChunkDelayPerMessage):
			case <-ctx.Done():
				return lastMessageID, ctx.Err()
			}
		}
	}
	return lastMessageID, nil
}
