package transport

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/mastra-agents/chatgateway/internal/logger"
	"github.com/mastra-agents/chatgateway/internal/model"
)

// Reconnect backoff bounds: start at 2s, double each attempt, cap at 30s,
// give up after 5 attempts.
const (
	reconnectInitial    = 2 * time.Second
	reconnectMax        = 30 * time.Second
	reconnectMaxRetries = 5
)

// BotSignature is the fixed zero-width sequence every outbound WhatsApp
// message carries, used both to append on send and to detect and drop a
// cross-instance echo on receive. Must match agentruntime.BotSignature.
const BotSignature = "\u200b\u200c\u200b"

// waSession is the adapter's per-session state: one whatsmeow client, one
// event loop, and the bounded echo-suppression structures. cache is only
// touched from the session's own event callback; sent is shared with
// outbound Send calls (which may run on other goroutines, e.g. proactive
// digests) and is guarded by mu along with the connection state.
type waSession struct {
	sessionID string
	client    *whatsmeow.Client
	cache     *model.MessageCache

	mu          sync.Mutex
	sent        *model.SentMessageIndex
	currentQR   []byte // PNG, nil until a QR event arrives
	connected   bool
	phoneNumber string
	loggedOut   bool
}

func (s *waSession) sentAdd(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent.Add(id)
}

func (s *waSession) sentContains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent.Contains(id)
}

// WhatsAppAdapter wraps go.mau.fi/whatsmeow, the Signal/Noise client,
// managing one long-lived socket per session. Credential storage is
// delegated to whatsmeow's own sqlstore.Container (backed by
// mattn/go-sqlite3), rooted at one database per session directory.
type WhatsAppAdapter struct {
	log             *logger.Logger
	onInbound       InboundHandler
	onConnState     ConnectionHandler
	conversationBye func(ownerKey, remoteChatID string) // called to drop an active conversation on "bye"

	mu       sync.Mutex
	sessions map[string]*waSession
}

// NewWhatsAppAdapter constructs an adapter with no sessions loaded.
func NewWhatsAppAdapter(log *logger.Logger, onInbound InboundHandler, onConnState ConnectionHandler, onBye func(ownerKey, remoteChatID string)) *WhatsAppAdapter {
	return &WhatsAppAdapter{
		log:             log.WithComponent("whatsapp"),
		onInbound:       onInbound,
		onConnState:     onConnState,
		conversationBye: onBye,
		sessions:        make(map[string]*waSession),
	}
}

// CreateSocket loads (or initializes) credentials from credentialsDir and
// starts the session's event loop. If no device is yet paired, it runs the
// QR login itself (loginWithQR) and blocks until pairing succeeds, times
// out or fails; otherwise it connects with the bounded reconnect backoff.
func (a *WhatsAppAdapter) CreateSocket(ctx context.Context, sessionID, credentialsDir string) error {
	if err := os.MkdirAll(credentialsDir, 0o700); err != nil {
		return fmt.Errorf("transport: create credentials dir: %w", err)
	}

	dbPath := fmt.Sprintf("file:%s/store.db?_foreign_keys=on", credentialsDir)
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("transport: open whatsmeow store: %w", err)
	}

	storeLog := waLog.Stdout("whatsmeow/store", "WARN", true)
	container := sqlstore.NewWithDB(db, "sqlite3", storeLog)
	if err := container.Upgrade(ctx); err != nil {
		return fmt.Errorf("transport: upgrade whatsmeow store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("transport: get device: %w", err)
	}

	clientLog := waLog.Stdout("whatsmeow/client", "WARN", true)
	client := whatsmeow.NewClient(device, clientLog)

	sess := &waSession{
		sessionID: sessionID,
		client:    client,
		sent:      model.NewSentMessageIndex(),
		cache:     model.NewMessageCache(),
	}

	a.mu.Lock()
	a.sessions[sessionID] = sess
	a.mu.Unlock()

	client.AddEventHandler(func(evt any) { a.handleEvent(ctx, sess, evt) })

	if client.Store.ID == nil {
		return a.loginWithQR(ctx, sess)
	}

	return a.connectWithBackoff(ctx, sess)
}

// loginWithQR connects for the first time, capturing each QR code the
// library emits into the session's currentQR for the control plane to
// render via GET /login/{id}/qr.
func (a *WhatsAppAdapter) loginWithQR(ctx context.Context, sess *waSession) error {
	qrChan, err := sess.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("transport: get QR channel: %w", err)
	}
	if err := sess.client.Connect(); err != nil {
		return fmt.Errorf("transport: connect for QR: %w", err)
	}

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			png, err := qrcode.Encode(evt.Code, qrcode.Medium, 256)
			if err != nil {
				a.log.Error("transport: render QR for session %s: %v", sess.sessionID, err)
				continue
			}
			sess.mu.Lock()
			sess.currentQR = png
			sess.mu.Unlock()
		case "success":
			sess.mu.Lock()
			sess.currentQR = nil
			sess.connected = true
			if sess.client.Store.ID != nil {
				sess.phoneNumber = sess.client.Store.ID.User
			}
			sess.mu.Unlock()
			if a.onConnState != nil {
				a.onConnState(sess.sessionID, StateOpen)
			}
			return nil
		case "timeout":
			return fmt.Errorf("transport: QR timed out for session %s", sess.sessionID)
		default:
			if evt.Error != nil {
				return fmt.Errorf("transport: QR login error: %w", evt.Error)
			}
		}
	}
	return fmt.Errorf("transport: QR channel closed unexpectedly")
}

func (a *WhatsAppAdapter) connectWithBackoff(ctx context.Context, sess *waSession) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectInitial
	b.MaxInterval = reconnectMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	// The first Connect counts as one of the reconnectMaxRetries attempts.
	bounded := backoff.WithMaxRetries(b, reconnectMaxRetries-1)

	return backoff.Retry(func() error {
		if err := sess.client.Connect(); err != nil {
			a.log.Warn("transport: connect failed for session %s, will retry: %v", sess.sessionID, err)
			return err
		}
		return nil
	}, backoff.WithContext(bounded, ctx))
}

// handleEvent is the whatsmeow event callback. These fire serially from
// whatsmeow's own per-client goroutine, which already gives this adapter
// the required per-session serialization.
func (a *WhatsAppAdapter) handleEvent(ctx context.Context, sess *waSession, evt any) {
	switch v := evt.(type) {
	case *events.Message:
		a.handleMessage(ctx, sess, v)
	case *events.Connected:
		sess.mu.Lock()
		sess.connected = true
		if sess.client.Store.ID != nil {
			sess.phoneNumber = sess.client.Store.ID.User
		}
		sess.mu.Unlock()
		if a.onConnState != nil {
			a.onConnState(sess.sessionID, StateOpen)
		}
	case *events.Disconnected:
		sess.mu.Lock()
		sess.connected = false
		loggedOut := sess.loggedOut
		sess.mu.Unlock()
		if loggedOut {
			return
		}
		if a.onConnState != nil {
			a.onConnState(sess.sessionID, StateClosed)
		}
		if err := a.connectWithBackoff(ctx, sess); err != nil {
			a.log.Error("transport: reconnect exhausted for session %s: %v", sess.sessionID, err)
		}
	case *events.LoggedOut:
		sess.mu.Lock()
		sess.connected = false
		sess.loggedOut = true
		sess.currentQR = nil
		sess.mu.Unlock()
		if a.onConnState != nil {
			a.onConnState(sess.sessionID, StateLoggedOut)
		}
	}
}

// handleMessage applies the ordered inbound filter chain; the first
// matching rule drops the event.
func (a *WhatsAppAdapter) handleMessage(ctx context.Context, sess *waSession, evt *events.Message) {
	remoteJID := evt.Info.Chat.String()

	// 1. drop status/broadcast/group.
	if evt.Info.IsGroup || evt.Info.Chat.Server == types.GroupServer ||
		strings.HasSuffix(remoteJID, "@broadcast") || strings.HasSuffix(remoteJID, "@status") {
		return
	}

	text := extractText(evt)

	// 2. cache regardless of the remaining filters.
	sess.cache.Add(remoteJID, model.CachedMessage{
		Timestamp: evt.Info.Timestamp,
		FromMe:    evt.Info.IsFromMe,
		Text:      text,
		MessageID: evt.Info.ID,
	})

	// 3. only the session owner's own outgoing messages are commands.
	if !evt.Info.IsFromMe {
		return
	}

	// 4. own-echo suppression by message ID.
	if sess.sentContains(evt.Info.ID) {
		return
	}

	// 5. own-echo suppression by bot signature (cross-instance dedup when
	// two replicas share one account).
	if strings.Contains(text, BotSignature) {
		return
	}

	// 6. "bye" drops the active conversation without forwarding.
	if strings.ToLower(strings.TrimSpace(text)) == "bye" {
		_ = a.React(ctx, sess.sessionID, remoteJID, evt.Info.ID, "👍")
		if a.conversationBye != nil {
			a.conversationBye(sess.sessionID, remoteJID)
		}
		return
	}

	// 7. forward.
	if a.onInbound == nil {
		return
	}
	replyToID, quotedText := extractQuoted(evt)
	a.onInbound(ctx, Inbound{
		OwnerKey:     sess.sessionID,
		RemoteChatID: remoteJID,
		MessageID:    evt.Info.ID,
		Text:         text,
		FromMe:       true,
		QuotedText:   quotedText,
		ReplyToID:    replyToID,
	})
}

func extractText(evt *events.Message) string {
	msg := evt.Message
	if msg == nil {
		return ""
	}
	if conv := msg.GetConversation(); conv != "" {
		return conv
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

// extractQuoted pulls the replied-to message ID and quoted text out of an
// extended text message's context info, when the event is a reply.
func extractQuoted(evt *events.Message) (replyToID, quotedText string) {
	ext := evt.Message.GetExtendedTextMessage()
	if ext == nil {
		return "", ""
	}
	ci := ext.GetContextInfo()
	if ci == nil {
		return "", ""
	}
	replyToID = ci.GetStanzaID()
	if quoted := ci.GetQuotedMessage(); quoted != nil {
		quotedText = quoted.GetConversation()
		if quotedText == "" {
			if qext := quoted.GetExtendedTextMessage(); qext != nil {
				quotedText = qext.GetText()
			}
		}
	}
	return replyToID, quotedText
}

// Send implements Adapter: appends the bot signature and records the
// resulting message ID in SentMessageIndex.
func (a *WhatsAppAdapter) Send(ctx context.Context, ownerKey, remoteChatID, text string) (string, error) {
	sess, err := a.session(ownerKey)
	if err != nil {
		return "", err
	}
	jid, err := types.ParseJID(remoteChatID)
	if err != nil {
		return "", fmt.Errorf("transport: parse JID %q: %w", remoteChatID, err)
	}

	full := text + BotSignature
	resp, err := sess.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(full)})
	if err != nil {
		return "", fmt.Errorf("transport: send message: %w", err)
	}
	sess.sentAdd(resp.ID)
	return resp.ID, nil
}

// SetPresence implements Adapter.
func (a *WhatsAppAdapter) SetPresence(ctx context.Context, ownerKey, remoteChatID string, state PresenceState) error {
	sess, err := a.session(ownerKey)
	if err != nil {
		return err
	}
	jid, err := types.ParseJID(remoteChatID)
	if err != nil {
		return fmt.Errorf("transport: parse JID %q: %w", remoteChatID, err)
	}
	presence := types.ChatPresencePaused
	if state == PresenceTyping {
		presence = types.ChatPresenceComposing
	}
	return sess.client.SendChatPresence(ctx, jid, presence, types.ChatPresenceMediaText)
}

// React implements Adapter.
func (a *WhatsAppAdapter) React(ctx context.Context, ownerKey, remoteChatID, messageID, emoji string) error {
	sess, err := a.session(ownerKey)
	if err != nil {
		return err
	}
	jid, err := types.ParseJID(remoteChatID)
	if err != nil {
		return fmt.Errorf("transport: parse JID %q: %w", remoteChatID, err)
	}
	reaction := sess.client.BuildReaction(jid, sess.client.Store.ID.ToNonAD(), messageID, emoji)
	_, err = sess.client.SendMessage(ctx, jid, reaction)
	return err
}

// MarkRead implements Adapter.
func (a *WhatsAppAdapter) MarkRead(ctx context.Context, ownerKey, remoteChatID, messageID string) error {
	sess, err := a.session(ownerKey)
	if err != nil {
		return err
	}
	jid, err := types.ParseJID(remoteChatID)
	if err != nil {
		return fmt.Errorf("transport: parse JID %q: %w", remoteChatID, err)
	}
	return sess.client.MarkRead(ctx, []types.MessageID{messageID}, time.Now(), jid, jid.ToNonAD())
}

// QR returns the currently stored QR PNG for sessionID, if any, and
// whether the session is already connected (in which case there is no QR
// to show), backing GET /login/{id}/qr's 200/503 distinction.
func (a *WhatsAppAdapter) QR(sessionID string) (png []byte, connected bool, ok bool) {
	a.mu.Lock()
	sess, found := a.sessions[sessionID]
	a.mu.Unlock()
	if !found {
		return nil, false, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.currentQR, sess.connected, true
}

// Status reports the connection state and phone number for sessionID.
func (a *WhatsAppAdapter) Status(sessionID string) (connected bool, phoneNumber string, qrAvailable bool, ok bool) {
	a.mu.Lock()
	sess, found := a.sessions[sessionID]
	a.mu.Unlock()
	if !found {
		return false, "", false, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.connected, sess.phoneNumber, len(sess.currentQR) > 0, true
}

// Close disconnects and forgets sessionID (used by DELETE /sessions/{id}).
func (a *WhatsAppAdapter) Close(sessionID string) {
	a.mu.Lock()
	sess, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if !ok {
		return
	}
	sess.client.Disconnect()
}

func (a *WhatsAppAdapter) session(ownerKey string) (*waSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[ownerKey]
	if !ok {
		return nil, fmt.Errorf("transport: unknown whatsapp session %s", ownerKey)
	}
	return sess, nil
}

