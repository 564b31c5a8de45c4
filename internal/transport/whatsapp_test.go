package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/mastra-agents/chatgateway/internal/logger"
	"github.com/mastra-agents/chatgateway/internal/model"
)

func newTestSession() *waSession {
	return &waSession{
		sessionID: "sess1",
		sent:      model.NewSentMessageIndex(),
		cache:     model.NewMessageCache(),
	}
}

func newTestAdapter(onInbound InboundHandler) (*WhatsAppAdapter, *[]string) {
	var byeCalls []string
	testLog := logger.New(&logger.Config{Output: io.Discard})
	a := NewWhatsAppAdapter(testLog, onInbound, nil, func(ownerKey, remoteChatID string) {
		byeCalls = append(byeCalls, ownerKey+"|"+remoteChatID)
	})
	return a, &byeCalls
}

func textMessageEvent(chat types.JID, id, text string, fromMe, group bool) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			ID:        id,
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:     chat,
				IsFromMe: fromMe,
				IsGroup:  group,
			},
		},
		Message: &waE2E.Message{Conversation: proto.String(text)},
	}
}

func TestHandleMessageDropsGroupMessages(t *testing.T) {
	a, _ := newTestAdapter(func(ctx context.Context, in Inbound) {
		t.Fatal("group message should not be forwarded")
	})
	sess := newTestSession()
	chat := types.JID{User: "123", Server: types.GroupServer}
	evt := textMessageEvent(chat, "m1", "hello", true, true)

	a.handleMessage(context.Background(), sess, evt)
}

func TestHandleMessageDropsNonFromMe(t *testing.T) {
	a, _ := newTestAdapter(func(ctx context.Context, in Inbound) {
		t.Fatal("non-from-me message should not be forwarded")
	})
	sess := newTestSession()
	chat := types.JID{User: "123", Server: types.DefaultUserServer}
	evt := textMessageEvent(chat, "m1", "hello", false, false)

	a.handleMessage(context.Background(), sess, evt)

	// Still cached despite being dropped (step 2 happens before step 3).
	require.Len(t, sess.cache.Recent(chat.String()), 1)
}

func TestHandleMessageDropsOwnEchoByID(t *testing.T) {
	a, _ := newTestAdapter(func(ctx context.Context, in Inbound) {
		t.Fatal("echoed message should not be forwarded")
	})
	sess := newTestSession()
	sess.sent.Add("m1")
	chat := types.JID{User: "123", Server: types.DefaultUserServer}
	evt := textMessageEvent(chat, "m1", "hello", true, false)

	a.handleMessage(context.Background(), sess, evt)
}

func TestHandleMessageDropsBotSignature(t *testing.T) {
	a, _ := newTestAdapter(func(ctx context.Context, in Inbound) {
		t.Fatal("signed message should not be forwarded")
	})
	sess := newTestSession()
	chat := types.JID{User: "123", Server: types.DefaultUserServer}
	evt := textMessageEvent(chat, "m1", "reply text"+BotSignature, true, false)

	a.handleMessage(context.Background(), sess, evt)
}

func TestHandleMessageByeDropsConversationWithoutForwarding(t *testing.T) {
	a, byeCalls := newTestAdapter(func(ctx context.Context, in Inbound) {
		t.Fatal("bye should not be forwarded to the router")
	})
	sess := newTestSession()
	chat := types.JID{User: "123", Server: types.DefaultUserServer}
	evt := textMessageEvent(chat, "m1", "  Bye ", true, false)

	a.handleMessage(context.Background(), sess, evt)

	require.Equal(t, []string{"sess1|" + chat.String()}, *byeCalls)
}

func TestHandleMessageExtractsQuotedReplyContext(t *testing.T) {
	var got Inbound
	a, _ := newTestAdapter(func(ctx context.Context, in Inbound) {
		got = in
	})
	sess := newTestSession()
	chat := types.JID{User: "123", Server: types.DefaultUserServer}
	evt := &events.Message{
		Info: types.MessageInfo{
			ID:        "m2",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:     chat,
				IsFromMe: true,
			},
		},
		Message: &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: proto.String("and what about ETH?"),
				ContextInfo: &waE2E.ContextInfo{
					StanzaID:      proto.String("m1"),
					QuotedMessage: &waE2E.Message{Conversation: proto.String("BTC is up 3%")},
				},
			},
		},
	}

	a.handleMessage(context.Background(), sess, evt)

	require.Equal(t, "and what about ETH?", got.Text)
	require.Equal(t, "m1", got.ReplyToID)
	require.Equal(t, "BTC is up 3%", got.QuotedText)
}

func TestHandleMessageForwardsOrdinaryCommand(t *testing.T) {
	var got Inbound
	a, _ := newTestAdapter(func(ctx context.Context, in Inbound) {
		got = in
	})
	sess := newTestSession()
	chat := types.JID{User: "123", Server: types.DefaultUserServer}
	evt := textMessageEvent(chat, "m1", "what's on my plate today?", true, false)

	a.handleMessage(context.Background(), sess, evt)

	require.Equal(t, "sess1", got.OwnerKey)
	require.Equal(t, chat.String(), got.RemoteChatID)
	require.Equal(t, "m1", got.MessageID)
	require.Equal(t, "what's on my plate today?", got.Text)
	require.True(t, got.FromMe)
}
