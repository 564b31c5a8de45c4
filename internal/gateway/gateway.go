// Package gateway wires the session store, transport adapters, router,
// agent dispatcher, control-plane HTTP API and proactive scheduler into
// one running process: constructed once via New, started via Start, torn
// down via gracefulShutdown with an ordered, timeout-bounded drain. Two
// transport-specific HTTP listeners and one cron-driven scheduler share
// the same session state.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mastra-agents/chatgateway/internal/agentrouter"
	"github.com/mastra-agents/chatgateway/internal/agentruntime"
	"github.com/mastra-agents/chatgateway/internal/config"
	"github.com/mastra-agents/chatgateway/internal/httpapi"
	"github.com/mastra-agents/chatgateway/internal/logger"
	"github.com/mastra-agents/chatgateway/internal/metrics"
	"github.com/mastra-agents/chatgateway/internal/model"
	"github.com/mastra-agents/chatgateway/internal/proactive"
	"github.com/mastra-agents/chatgateway/internal/refresh"
	"github.com/mastra-agents/chatgateway/internal/sessionstore"
	"github.com/mastra-agents/chatgateway/internal/transport"
)

// shutdownDrain bounds how long graceful shutdown waits for in-flight
// inbound messages to finish dispatching before forcing the process down.
const shutdownDrain = 10 * time.Second

// Gateway owns every long-lived component and the goroutines that connect
// them: transport adapters feed the Router, the Router's resolution feeds
// the Dispatcher, and the Dispatcher's reply is delivered back through the
// same transport the message arrived on.
type Gateway struct {
	cfg *config.Config
	log *logger.Logger

	sessions      *sessionstore.SessionManifest
	mappings      *sessionstore.MappingManifest
	pairing       *sessionstore.PairingCodes
	conversations *agentrouter.Store

	whatsapp *transport.WhatsAppAdapter
	telegram *transport.TelegramAdapter

	waDispatcher *agentruntime.Dispatcher
	tgDispatcher *agentruntime.Dispatcher

	waServer *httpapi.WhatsAppServer
	tgServer *httpapi.TelegramServer

	scheduler *proactive.Scheduler
	audit     *proactive.AuditLog

	metrics *metrics.Collector

	waHTTP *http.Server
	tgHTTP *http.Server

	startTime      time.Time
	activeRequests sync.WaitGroup
}

// New constructs every component and wires the inbound routing glue, but
// starts nothing yet; call Start to begin serving traffic.
func New(cfg *config.Config) (*Gateway, error) {
	log := logger.New(&logger.Config{Level: cfg.LogLevel, Component: "gateway"})
	logger.SetDefaultLogger(log)

	sessions := sessionstore.NewSessionManifest(cfg.WhatsAppSessionsDir, cfg.AuthSecret)
	if skipped, err := sessions.LoadAll(); err != nil {
		return nil, fmt.Errorf("gateway: load sessions: %w", err)
	} else if len(skipped) > 0 {
		log.Warn("gateway: skipped %d session(s) with missing credentials: %v", len(skipped), skipped)
	}

	mappings := sessionstore.NewMappingManifest(cfg.TelegramSessionsDir, cfg.AuthSecret)
	if err := mappings.LoadAll(); err != nil {
		return nil, fmt.Errorf("gateway: load telegram mappings: %w", err)
	}

	auditPath := filepath.Join(filepath.Dir(cfg.WhatsAppSessionsDir), "proactive-audit.db")
	audit, err := proactive.NewAuditLog(auditPath)
	if err != nil {
		return nil, fmt.Errorf("gateway: open proactive audit log: %w", err)
	}

	gw := &Gateway{
		cfg:           cfg,
		log:           log,
		sessions:      sessions,
		mappings:      mappings,
		pairing:       sessionstore.NewPairingCodes(),
		conversations: agentrouter.NewStore(),
		metrics:       metrics.NewCollector(),
		audit:         audit,
		startTime:     time.Now(),
	}

	gw.whatsapp = transport.NewWhatsAppAdapter(log, gw.handleWhatsAppInbound, gw.handleWhatsAppConnState, gw.handleBye)
	gw.telegram = transport.NewTelegramAdapter(cfg.TelegramBotToken, cfg.TelegramBotUsername, mappings, gw.pairing, log, gw.handleTelegramInbound)

	runtime := agentruntime.NewHTTPRuntime(cfg.TodoAppBaseURL)
	waRefresher := refresh.NewWhatsAppRefresher(cfg.TodoAppBaseURL, cfg.GatewaySecret, sessions)
	tgRefresher := refresh.NewTelegramRefresher(cfg.TodoAppBaseURL, cfg.GatewaySecret, mappings)
	gw.waDispatcher = agentruntime.NewDispatcher(runtime, waRefresher, gw.metrics, log)
	gw.tgDispatcher = agentruntime.NewDispatcher(runtime, tgRefresher, gw.metrics, log)

	auth := httpapi.NewAuthenticator(cfg.AuthSecret)
	gw.waServer = httpapi.NewWhatsAppServer(auth, sessions, gw.whatsapp, cfg, log)
	gw.tgServer = httpapi.NewTelegramServer(auth, mappings, gw.pairing, cfg.TelegramBotUsername, cfg, log)

	backend := proactive.NewHTTPBackend(cfg.TodoAppBaseURL)
	scheduler, err := proactive.New(proactive.Config{
		MorningCron: cfg.ProactiveMorningCron,
		EveningCron: cfg.ProactiveEveningCron,
		Location:    cfg.Location(),
	}, backend, gw, mappings, sessions, audit, gw.metrics, log)
	if err != nil {
		return nil, fmt.Errorf("gateway: construct scheduler: %w", err)
	}
	gw.scheduler = scheduler

	return gw, nil
}

// Start reconnects every persisted WhatsApp session, begins Telegram
// long-polling, serves both control-plane HTTP listeners, starts the
// proactive scheduler, and blocks until SIGINT/SIGTERM triggers graceful
// shutdown.
func (gw *Gateway) Start() error {
	ctx, cancel := context.WithCancel(context.Background())

	for _, sess := range gw.sessions.List() {
		sess := sess
		go func() {
			if err := gw.whatsapp.CreateSocket(ctx, sess.SessionID, sess.CredentialsPath); err != nil {
				gw.log.Error("gateway: reconnect whatsapp session %s: %v", sess.SessionID, err)
			}
		}()
	}

	if gw.cfg.TelegramBotToken != "" {
		if err := gw.telegram.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("gateway: start telegram adapter: %w", err)
		}
	} else {
		gw.log.Warn("gateway: TELEGRAM_BOT_TOKEN not set, telegram transport disabled")
	}

	gw.scheduler.Start()

	go gw.sweepPairingCodes(ctx)

	gw.waHTTP = gw.buildServer(fmt.Sprintf(":%d", gw.cfg.WhatsAppGatewayPort), gw.waServer.Handler())
	gw.tgHTTP = gw.buildServer(fmt.Sprintf(":%d", gw.cfg.TelegramGatewayPort), gw.tgServer.Handler())

	errCh := make(chan error, 2)
	go func() { errCh <- gw.waHTTP.ListenAndServe() }()
	go func() { errCh <- gw.tgHTTP.ListenAndServe() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	gw.log.Info("gateway: whatsapp control plane listening on :%d", gw.cfg.WhatsAppGatewayPort)
	gw.log.Info("gateway: telegram control plane listening on :%d", gw.cfg.TelegramGatewayPort)

	select {
	case <-quit:
		gw.gracefulShutdown(cancel)
		return nil
	case err := <-errCh:
		cancel()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (gw *Gateway) buildServer(addr string, controlPlane http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", gw.handleHealth)
	mux.Handle("GET /metrics", gw.metrics.Handler())
	mux.Handle("/", controlPlane)
	return &http.Server{Addr: addr, Handler: mux}
}

func (gw *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptimeSeconds":%d}`, int(time.Since(gw.startTime).Seconds()))
}

// sweepPairingCodes periodically evicts expired pairing codes so an
// abandoned POST /pair doesn't linger in memory for the process lifetime.
func (gw *Gateway) sweepPairingCodes(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := gw.pairing.Sweep(now); removed > 0 {
				gw.log.Debug("gateway: swept %d expired pairing code(s)", removed)
			}
		}
	}
}

// gracefulShutdown stops intake first (HTTP listeners, transport polling),
// drains in-flight dispatches with a bound, then tears down the scheduler
// and persistence layers.
func (gw *Gateway) gracefulShutdown(cancel context.CancelFunc) {
	gw.log.Info("gateway: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDrain)
	defer shutdownCancel()

	_ = gw.waHTTP.Shutdown(shutdownCtx)
	_ = gw.tgHTTP.Shutdown(shutdownCtx)

	gw.telegram.Stop()

	done := make(chan struct{})
	go func() {
		gw.activeRequests.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrain):
		gw.log.Warn("gateway: timed out waiting for in-flight dispatches")
	}

	cancel() // closes whatsapp sockets and stops telegram's poll loop via context

	gw.scheduler.Stop(shutdownCtx)

	if err := gw.audit.Close(); err != nil {
		gw.log.Warn("gateway: close audit log: %v", err)
	}

	gw.log.Info("gateway: shutdown complete")
}

// handleWhatsAppConnState persists the phone number and connection
// timestamp whenever a session completes pairing or reconnects.
func (gw *Gateway) handleWhatsAppConnState(ownerKey string, state transport.ConnState) {
	gw.metrics.SetActiveSessions(gw.sessions.Count())
	if state != transport.StateOpen {
		return
	}
	sess, ok := gw.sessions.Get(ownerKey)
	if !ok {
		return
	}
	if _, phoneNumber, _, ok := gw.whatsapp.Status(ownerKey); ok && phoneNumber != "" {
		sess.PhoneNumber = phoneNumber
	}
	sess.LastConnected = time.Now()
	if err := gw.sessions.Persist(sess); err != nil {
		gw.log.Error("gateway: persist connection state for %s: %v", ownerKey, err)
	}
}

// handleBye drops the pinned conversation for (ownerKey, remoteChatID).
// The WhatsApp adapter calls it when the owner sends "bye"; the Telegram
// adapter does not call it.
func (gw *Gateway) handleBye(ownerKey, remoteChatID string) {
	gw.conversations.Discard(agentrouter.Key(ownerKey, remoteChatID))
}

// whatsappSelfChatJID is the JID a session's own phone number maps to:
// WhatsApp's self-chat.
func whatsappSelfChatJID(phoneNumber string) string {
	return phoneNumber + "@s.whatsapp.net"
}

func isWhatsAppSelfChat(remoteChatID, phoneNumber string) bool {
	return phoneNumber != "" && remoteChatID == whatsappSelfChatJID(phoneNumber)
}

// handleWhatsAppInbound is the Router+Dispatcher glue for the WhatsApp
// transport: resolve an agent, dispatch, and deliver the (possibly
// rerouted) reply.
func (gw *Gateway) handleWhatsAppInbound(ctx context.Context, in transport.Inbound) {
	gw.activeRequests.Add(1)
	defer gw.activeRequests.Done()

	gw.metrics.IncrementInbound("whatsapp")

	sess, ok := gw.sessions.Get(in.OwnerKey)
	if !ok {
		gw.metrics.IncrementDropped("unknown-session")
		return
	}
	_, phoneNumber, _, _ := gw.whatsapp.Status(in.OwnerKey)
	isSelfChat := isWhatsAppSelfChat(in.RemoteChatID, phoneNumber)

	token, err := gw.sessions.DecryptToken(in.OwnerKey)
	if err != nil {
		gw.log.Warn("gateway: no usable auth token for session %s: %v", in.OwnerKey, err)
		gw.metrics.IncrementDropped("needs-repairing")
		return
	}

	key := agentrouter.Key(in.OwnerKey, in.RemoteChatID)
	now := time.Now()
	resolution := gw.conversations.Resolve(key, agentrouter.Inbound{
		Text:         in.Text,
		IsSelfChat:   isSelfChat,
		IsTelegram:   false,
		ReplyToID:    in.ReplyToID,
		DefaultAgent: agentrouter.AgentAssistant,
		QuotedText:   in.QuotedText,
	}, now)
	if !resolution.ShouldSend {
		gw.metrics.IncrementDropped("no-agent-resolved")
		return
	}
	gw.conversations.Upsert(key, resolution.Agent, resolution.Text, now)

	_ = gw.whatsapp.SetPresence(ctx, in.OwnerKey, in.RemoteChatID, transport.PresenceTyping)

	var history []model.Turn
	if c, ok := gw.conversations.Get(key, now); ok {
		history = c.History
	}

	targetChatID := in.RemoteChatID
	replyPrefix := ""
	if gw.cfg.WhatsAppPrivateResponses && !isSelfChat && phoneNumber != "" {
		targetChatID = whatsappSelfChatJID(phoneNumber)
		replyPrefix = fmt.Sprintf("[Re: %s]\n\n", in.RemoteChatID)
	}

	out, err := gw.waDispatcher.Dispatch(ctx, agentruntime.DispatchInput{
		Transport:        agentruntime.TransportWhatsApp,
		AgentID:          string(resolution.Agent),
		Text:             resolution.Text,
		AuthToken:        token,
		UserID:           sess.UserID,
		OwnerKey:         in.OwnerKey,
		SessionOrChatKey: in.OwnerKey,
		History:          history,
		ReplyPrefix:      replyPrefix,
	})
	if err != nil {
		gw.log.WithFields(map[string]any{"userId": sess.UserID, "operation": "whatsapp-dispatch"}).
			Error("gateway: dispatch failed for session %s: %v", in.OwnerKey, err)
		_, _ = gw.whatsapp.Send(ctx, in.OwnerKey, targetChatID, err.Error())
		return
	}
	if out == nil {
		// Dispatch silently dropped the turn (quota backoff exhausted); per
		// design, never surface this to the user.
		return
	}
	gw.metrics.IncrementDispatches()

	sender := transport.SenderFor(gw.whatsapp, in.OwnerKey)
	lastID, err := agentruntime.DeliverChunks(ctx, sender, targetChatID, out.Chunks)
	if err != nil {
		gw.log.WithFields(map[string]any{"userId": sess.UserID, "operation": "whatsapp-deliver"}).
			Error("gateway: deliver reply for session %s: %v", in.OwnerKey, err)
		return
	}
	gw.metrics.AddChunksDelivered(len(out.Chunks))
	gw.conversations.RecordAssistantTurn(key, out.ReplyText, lastID)
	_ = gw.whatsapp.MarkRead(ctx, in.OwnerKey, in.RemoteChatID, in.MessageID)
}

// handleTelegramInbound is the Router+Dispatcher glue for the Telegram
// transport. Telegram has no private-response-mode analogue: every reply
// goes back to the chat the message arrived on.
func (gw *Gateway) handleTelegramInbound(ctx context.Context, in transport.Inbound) {
	gw.activeRequests.Add(1)
	defer gw.activeRequests.Done()

	gw.metrics.IncrementInbound("telegram")

	mapping, ok := gw.mappings.GetByChatID(mustParseChatID(in.RemoteChatID))
	if !ok {
		gw.metrics.IncrementDropped("unmapped-chat")
		return
	}
	token, err := gw.mappings.DecryptToken(mapping.TelegramChatID)
	if err != nil {
		gw.log.Warn("gateway: no usable auth token for telegram user %s: %v", mapping.UserID, err)
		gw.metrics.IncrementDropped("needs-repairing")
		return
	}

	key := agentrouter.Key("telegram", in.RemoteChatID)
	now := time.Now()
	resolution := gw.conversations.Resolve(key, agentrouter.Inbound{
		Text:         in.Text,
		IsSelfChat:   false,
		IsTelegram:   true,
		ReplyToID:    in.ReplyToID,
		DefaultAgent: agentrouter.AgentID(mapping.AgentID),
		QuotedText:   in.QuotedText,
	}, now)
	if !resolution.ShouldSend {
		gw.metrics.IncrementDropped("no-agent-resolved")
		return
	}
	gw.conversations.Upsert(key, resolution.Agent, resolution.Text, now)

	_ = gw.telegram.SetPresence(ctx, "telegram", in.RemoteChatID, transport.PresenceTyping)

	var history []model.Turn
	if c, ok := gw.conversations.Get(key, now); ok {
		history = c.History
	}

	out, err := gw.tgDispatcher.Dispatch(ctx, agentruntime.DispatchInput{
		Transport:        agentruntime.TransportTelegram,
		AgentID:          string(resolution.Agent),
		Text:             resolution.Text,
		AuthToken:        token,
		UserID:           mapping.UserID,
		OwnerKey:         mapping.UserID,
		SessionOrChatKey: in.RemoteChatID,
		History:          history,
	})
	if err != nil {
		gw.log.WithFields(map[string]any{"userId": mapping.UserID, "operation": "telegram-dispatch"}).
			Error("gateway: dispatch failed for telegram user %s: %v", mapping.UserID, err)
		_, _ = gw.telegram.Send(ctx, "telegram", in.RemoteChatID, err.Error())
		return
	}
	if out == nil {
		// Dispatch silently dropped the turn (quota backoff exhausted); per
		// design, never surface this to the user.
		return
	}
	gw.metrics.IncrementDispatches()

	sender := transport.SenderFor(gw.telegram, "telegram")
	lastID, err := agentruntime.DeliverChunks(ctx, sender, in.RemoteChatID, out.Chunks)
	if err != nil {
		gw.log.WithFields(map[string]any{"userId": mapping.UserID, "operation": "telegram-deliver"}).
			Error("gateway: deliver reply for telegram user %s: %v", mapping.UserID, err)
		return
	}
	gw.metrics.AddChunksDelivered(len(out.Chunks))
	gw.conversations.RecordAssistantTurn(key, out.ReplyText, lastID)
}

func mustParseChatID(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// SendTelegramDigest implements proactive.Delivery.
func (gw *Gateway) SendTelegramDigest(ctx context.Context, chatID int64, text string) error {
	_, err := gw.telegram.Send(ctx, "telegram", strconv.FormatInt(chatID, 10), text)
	return err
}

// SendWhatsAppDigest implements proactive.Delivery: delivered to the
// session owner's own self-chat.
func (gw *Gateway) SendWhatsAppDigest(ctx context.Context, sessionID, text string) error {
	_, phoneNumber, _, ok := gw.whatsapp.Status(sessionID)
	if !ok || phoneNumber == "" {
		return fmt.Errorf("gateway: no connected phone number for session %s", sessionID)
	}
	_, err := gw.whatsapp.Send(ctx, sessionID, whatsappSelfChatJID(phoneNumber), text)
	return err
}

// WhatsAppConnected implements proactive.Delivery.
func (gw *Gateway) WhatsAppConnected(sessionID string) bool {
	connected, _, _, ok := gw.whatsapp.Status(sessionID)
	return ok && connected
}
