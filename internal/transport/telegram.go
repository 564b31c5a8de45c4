package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mastra-agents/chatgateway/internal/agentrouter"
	"github.com/mastra-agents/chatgateway/internal/logger"
	"github.com/mastra-agents/chatgateway/internal/model"
	"github.com/mastra-agents/chatgateway/internal/sessionstore"
)

// Reconnect/backoff bounds for the long-polling loop: the same 2s start,
// doubling and 30s cap the WhatsApp variant uses, but with no attempt
// limit; the loop keeps retrying until its context is cancelled.
const (
	pollReconnectInitial = 2 * time.Second
	pollReconnectMax     = 30 * time.Second
)

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message,omitempty"`
}

type tgMessage struct {
	MessageID int64      `json:"message_id"`
	From      *tgUser    `json:"from,omitempty"`
	Chat      tgChat     `json:"chat"`
	Date      int64      `json:"date"`
	Text      string     `json:"text,omitempty"`
	ReplyTo   *tgMessage `json:"reply_to_message,omitempty"`
}

type tgUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

type tgChat struct {
	ID int64 `json:"id"`
}

type tgResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
}

// TelegramAdapter is the single process-wide Bot API client: a hand-rolled
// long-polling loop over getUpdates, with Mapping-table lookups gating
// ordinary text and a /start-code pairing command surface.
type TelegramAdapter struct {
	token       string
	baseURL     string
	botUsername string
	client      *http.Client
	log         *logger.Logger

	mappings  *sessionstore.MappingManifest
	pairing   *sessionstore.PairingCodes
	onInbound InboundHandler

	mu      sync.Mutex
	offset  int64
	running bool
	cancel  context.CancelFunc
}

// NewTelegramAdapter constructs an adapter for the given bot token.
func NewTelegramAdapter(token, botUsername string, mappings *sessionstore.MappingManifest, pairing *sessionstore.PairingCodes, log *logger.Logger, onInbound InboundHandler) *TelegramAdapter {
	return &TelegramAdapter{
		token:       token,
		baseURL:     "https://api.telegram.org/bot" + token,
		botUsername: botUsername,
		client:      &http.Client{Timeout: 60 * time.Second},
		log:         log.WithComponent("telegram"),
		mappings:    mappings,
		pairing:     pairing,
		onInbound:   onInbound,
	}
}

// Start drains stale pending updates, then begins long-polling.
func (t *TelegramAdapter) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("transport: telegram adapter already running")
	}
	t.running = true
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	if err := t.drainPending(ctx); err != nil {
		t.log.Warn("transport: failed to drain stale updates: %v", err)
	}

	go t.pollLoop(ctx)
	return nil
}

// Stop cancels the polling loop.
func (t *TelegramAdapter) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	t.running = false
}

// drainPending advances the update offset past anything already queued
// before this process started, so a redeploy doesn't replay old commands.
func (t *TelegramAdapter) drainPending(ctx context.Context) error {
	resp, err := t.call(ctx, "getUpdates", map[string]any{"offset": -1, "timeout": 0})
	if err != nil {
		return err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(resp.Result, &updates); err != nil {
		return fmt.Errorf("transport: parse drain updates: %w", err)
	}
	for _, u := range updates {
		if u.UpdateID >= t.offset {
			t.offset = u.UpdateID + 1
		}
	}
	return nil
}

func (t *TelegramAdapter) pollLoop(ctx context.Context) {
	backoffDelay := pollReconnectInitial
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := t.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Warn("transport: poll error, backing off %s: %v", backoffDelay, err)
			select {
			case <-time.After(backoffDelay):
			case <-ctx.Done():
				return
			}
			backoffDelay *= 2
			if backoffDelay > pollReconnectMax {
				backoffDelay = pollReconnectMax
			}
			continue
		}
		backoffDelay = pollReconnectInitial
	}
}

func (t *TelegramAdapter) poll(ctx context.Context) error {
	resp, err := t.call(ctx, "getUpdates", map[string]any{
		"offset":          t.offset,
		"timeout":         30,
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return err
	}

	var updates []tgUpdate
	if err := json.Unmarshal(resp.Result, &updates); err != nil {
		return fmt.Errorf("transport: parse updates: %w", err)
	}

	for _, u := range updates {
		if u.UpdateID >= t.offset {
			t.offset = u.UpdateID + 1
		}
		if u.Message != nil && u.Message.Text != "" {
			t.handleMessage(ctx, u.Message)
		}
	}
	return nil
}

// handleMessage dispatches a Telegram message to the command surface or,
// for ordinary text, to the Router, gated by Mapping membership.
func (t *TelegramAdapter) handleMessage(ctx context.Context, msg *tgMessage) {
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	if strings.HasPrefix(text, "/") {
		t.handleCommand(ctx, chatID, msg, text)
		return
	}

	mapping, ok := t.mappings.GetByChatID(chatID)
	if !ok {
		return
	}
	mapping.LastActive = time.Now()

	quoted := ""
	replyToID := ""
	if msg.ReplyTo != nil {
		quoted = msg.ReplyTo.Text
		replyToID = strconv.FormatInt(msg.ReplyTo.MessageID, 10)
	}

	if t.onInbound == nil {
		return
	}
	t.onInbound(ctx, Inbound{
		OwnerKey:     "telegram",
		RemoteChatID: strconv.FormatInt(chatID, 10),
		MessageID:    strconv.FormatInt(msg.MessageID, 10),
		Text:         text,
		FromMe:       false,
		QuotedText:   quoted,
		ReplyToID:    replyToID,
	})
}

// handleCommand recognizes the fixed command surface; unknown commands
// are silent.
func (t *TelegramAdapter) handleCommand(ctx context.Context, chatID int64, msg *tgMessage, text string) {
	fields := strings.Fields(text)
	cmd := fields[0]
	arg := strings.TrimSpace(strings.TrimPrefix(text, cmd))

	switch cmd {
	case "/start":
		t.handleStart(ctx, chatID, msg, arg)
	case "/disconnect":
		t.handleDisconnect(ctx, chatID)
	case "/agent":
		t.handleSetAgent(ctx, chatID, arg)
	case "/help":
		_ = t.sendRaw(ctx, chatID, "Commands: /start <code>, /disconnect, /agent <name>, /help")
	default:
		// unknown commands are silent.
	}
}

func (t *TelegramAdapter) handleStart(ctx context.Context, chatID int64, msg *tgMessage, code string) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		_ = t.sendRaw(ctx, chatID, "Send /start <code> with the pairing code from the app.")
		return
	}
	pc, ok := t.pairing.Consume(code, time.Now())
	if !ok {
		_ = t.sendRaw(ctx, chatID, "That pairing code is invalid or expired.")
		return
	}

	var username string
	if msg.From != nil {
		username = msg.From.Username
	}

	mapping := &model.Mapping{
		TelegramChatID:   chatID,
		TelegramUsername: username,
		UserID:           pc.UserID,
		AgentID:          pc.AgentID,
		PairedAt:         time.Now(),
		LastActive:       time.Now(),
	}
	if err := t.mappings.Upsert(mapping); err != nil {
		t.log.Error("transport: persist mapping for chat %d: %v", chatID, err)
		_ = t.sendRaw(ctx, chatID, "Pairing failed, please try again.")
		return
	}
	if err := t.mappings.SetEncryptedToken(chatID, pc.AuthToken); err != nil {
		t.log.Error("transport: encrypt token for chat %d: %v", chatID, err)
	}

	_ = t.sendRaw(ctx, chatID, fmt.Sprintf("Connected! I'll default to @%s. Send /agent <name> to change it, or /help for more.", pc.AgentID))
}

func (t *TelegramAdapter) handleDisconnect(ctx context.Context, chatID int64) {
	mapping, ok := t.mappings.GetByChatID(chatID)
	if !ok {
		_ = t.sendRaw(ctx, chatID, "You're not connected.")
		return
	}
	if err := t.mappings.RemoveByUserID(mapping.UserID); err != nil {
		t.log.Error("transport: remove mapping for chat %d: %v", chatID, err)
	}
	_ = t.sendRaw(ctx, chatID, "Disconnected.")
}

func (t *TelegramAdapter) handleSetAgent(ctx context.Context, chatID int64, name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !agentrouter.KnownAgents[agentrouter.AgentID(name)] {
		_ = t.sendRaw(ctx, chatID, "Unknown agent. Known agents: weather, pierre, ash, paddy, zoe, assistant.")
		return
	}
	mapping, ok := t.mappings.GetByChatID(chatID)
	if !ok {
		_ = t.sendRaw(ctx, chatID, "You're not connected yet. Send /start <code> first.")
		return
	}
	mapping.AgentID = name
	if err := t.mappings.Upsert(mapping); err != nil {
		t.log.Error("transport: persist agent change for chat %d: %v", chatID, err)
	}
	_ = t.sendRaw(ctx, chatID, fmt.Sprintf("Default agent set to @%s.", name))
}

// Send implements Adapter: ownerKey is ignored (Telegram is one
// process-wide bot), remoteChatID is the chat ID as a string.
func (t *TelegramAdapter) Send(ctx context.Context, _, remoteChatID, text string) (string, error) {
	chatID, err := strconv.ParseInt(remoteChatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("transport: parse chat id %q: %w", remoteChatID, err)
	}
	return t.sendAndGetID(ctx, chatID, text)
}

func (t *TelegramAdapter) sendRaw(ctx context.Context, chatID int64, text string) error {
	_, err := t.sendAndGetID(ctx, chatID, text)
	return err
}

func (t *TelegramAdapter) sendAndGetID(ctx context.Context, chatID int64, text string) (string, error) {
	resp, err := t.call(ctx, "sendMessage", map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return "", err
	}
	var sent tgMessage
	if err := json.Unmarshal(resp.Result, &sent); err != nil {
		return "", fmt.Errorf("transport: parse sent message: %w", err)
	}
	return strconv.FormatInt(sent.MessageID, 10), nil
}

// SetPresence implements Adapter via sendChatAction; Telegram has no
// "online" presence concept for bots, so only typing is meaningful.
func (t *TelegramAdapter) SetPresence(ctx context.Context, _, remoteChatID string, state PresenceState) error {
	if state != PresenceTyping {
		return nil
	}
	chatID, err := strconv.ParseInt(remoteChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("transport: parse chat id %q: %w", remoteChatID, err)
	}
	_, err = t.call(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": "typing"})
	return err
}

// React implements Adapter via setMessageReaction.
func (t *TelegramAdapter) React(ctx context.Context, _, remoteChatID, messageID, emoji string) error {
	chatID, err := strconv.ParseInt(remoteChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("transport: parse chat id %q: %w", remoteChatID, err)
	}
	msgID, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("transport: parse message id %q: %w", messageID, err)
	}
	_, err = t.call(ctx, "setMessageReaction", map[string]any{
		"chat_id":    chatID,
		"message_id": msgID,
		"reaction":   []map[string]string{{"type": "emoji", "emoji": emoji}},
	})
	return err
}

// MarkRead is a no-op: the Bot API has no explicit read-receipt call for
// bots to issue on behalf of a user.
func (t *TelegramAdapter) MarkRead(ctx context.Context, _, _, _ string) error { return nil }

func (t *TelegramAdapter) call(ctx context.Context, method string, params map[string]any) (*tgResponse, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: call %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read response: %w", err)
	}

	var out tgResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("transport: parse response: %w", err)
	}
	if !out.OK {
		return nil, fmt.Errorf("transport: telegram API error (%d): %s", out.ErrorCode, out.Description)
	}
	return &out, nil
}
