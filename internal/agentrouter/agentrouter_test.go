package agentrouter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mastra-agents/chatgateway/internal/agentrouter"
)

func TestParseMentionKnownAgent(t *testing.T) {
	agent, rest, ok := agentrouter.ParseMention("@pierre what about BTCUSDT?")
	require.True(t, ok)
	require.Equal(t, agentrouter.AgentPierre, agent)
	require.Equal(t, "what about BTCUSDT?", rest)
}

func TestParseMentionUnknownAgentIsNoMention(t *testing.T) {
	_, rest, ok := agentrouter.ParseMention("@bogus hello")
	require.False(t, ok)
	require.Equal(t, "@bogus hello", rest)
}

func TestResolveSelfChatMentionOverride(t *testing.T) {
	s := agentrouter.NewStore()
	now := time.Now()
	res := s.Resolve("k", agentrouter.Inbound{
		Text:         "@pierre what about BTCUSDT?",
		IsSelfChat:   true,
		DefaultAgent: agentrouter.AgentAssistant,
	}, now)
	require.True(t, res.ShouldSend)
	require.Equal(t, agentrouter.AgentPierre, res.Agent)
	require.Equal(t, "what about BTCUSDT?", res.Text)
}

func TestResolveSelfChatNoMentionUsesDefault(t *testing.T) {
	s := agentrouter.NewStore()
	res := s.Resolve("k", agentrouter.Inbound{
		Text:         "hello",
		IsSelfChat:   true,
		DefaultAgent: agentrouter.AgentAssistant,
	}, time.Now())
	require.Equal(t, agentrouter.AgentAssistant, res.Agent)
}

func TestResolveActiveConversationPinsAgent(t *testing.T) {
	s := agentrouter.NewStore()
	now := time.Now()
	key := agentrouter.Key("sess", "remote")
	s.Upsert(key, agentrouter.AgentPierre, "what about BTCUSDT?", now)

	res := s.Resolve(key, agentrouter.Inbound{Text: "and ETH?"}, now.Add(time.Minute))
	require.True(t, res.ShouldSend)
	require.Equal(t, agentrouter.AgentPierre, res.Agent)
}

func TestResolveConversationExpiresAfter3Minutes(t *testing.T) {
	s := agentrouter.NewStore()
	now := time.Now()
	key := agentrouter.Key("sess", "remote")
	s.Upsert(key, agentrouter.AgentPierre, "hi", now)

	justBefore := s.Resolve(key, agentrouter.Inbound{Text: "still here?"}, now.Add(3*time.Minute-time.Millisecond))
	require.True(t, justBefore.ShouldSend)

	justAfter := s.Resolve(key, agentrouter.Inbound{Text: "still here?"}, now.Add(3*time.Minute+time.Millisecond))
	require.False(t, justAfter.ShouldSend)
}

func TestResolveTelegramFallsBackToDefaultAgent(t *testing.T) {
	s := agentrouter.NewStore()
	res := s.Resolve("k", agentrouter.Inbound{
		Text:         "hello",
		IsTelegram:   true,
		DefaultAgent: agentrouter.AgentAssistant,
	}, time.Now())
	require.True(t, res.ShouldSend)
	require.Equal(t, agentrouter.AgentAssistant, res.Agent)
}

func TestResolveWhatsAppNoConversationNoMentionDrops(t *testing.T) {
	s := agentrouter.NewStore()
	res := s.Resolve("k", agentrouter.Inbound{Text: "hello"}, time.Now())
	require.False(t, res.ShouldSend)
}

func TestResolveReplyToActiveAgentMessage(t *testing.T) {
	s := agentrouter.NewStore()
	now := time.Now()
	key := agentrouter.Key("sess", "remote")
	s.Upsert(key, agentrouter.AgentZoe, "hi", now)
	s.RecordAssistantTurn(key, "hello there", "msg-123")

	res := s.Resolve(key, agentrouter.Inbound{Text: "follow up", ReplyToID: "msg-123"}, now.Add(2*time.Minute))
	require.True(t, res.ShouldSend)
	require.Equal(t, agentrouter.AgentZoe, res.Agent)
}

func TestQuotedTextIsPrepended(t *testing.T) {
	s := agentrouter.NewStore()
	res := s.Resolve("k", agentrouter.Inbound{
		Text:         "reply",
		IsSelfChat:   true,
		DefaultAgent: agentrouter.AgentAssistant,
		QuotedText:   "original message",
	}, time.Now())
	require.Contains(t, res.Text, `[Replying to: "original message"]`)
}

func TestConversationHistoryCapped(t *testing.T) {
	s := agentrouter.NewStore()
	now := time.Now()
	key := agentrouter.Key("sess", "remote")
	for i := 0; i < 20; i++ {
		s.Upsert(key, agentrouter.AgentAssistant, "msg", now)
	}
	c, ok := s.Get(key, now)
	require.True(t, ok)
	require.LessOrEqual(t, len(c.History), 10)
}
