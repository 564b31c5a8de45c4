package model_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mastra-agents/chatgateway/internal/model"
)

func TestSentMessageIndexEvictsFIFO(t *testing.T) {
	idx := model.NewSentMessageIndex()
	for i := 0; i < model.SentMessageIndexCap+10; i++ {
		idx.Add(fmt.Sprintf("m%d", i))
	}

	// The ten oldest IDs fell off the front; the newest are still present.
	for i := 0; i < 10; i++ {
		require.False(t, idx.Contains(fmt.Sprintf("m%d", i)))
	}
	require.True(t, idx.Contains(fmt.Sprintf("m%d", model.SentMessageIndexCap+9)))
}

func TestSentMessageIndexAddIsIdempotent(t *testing.T) {
	idx := model.NewSentMessageIndex()
	idx.Add("m1")
	idx.Add("m1")
	require.True(t, idx.Contains("m1"))

	// Re-adding must not count against the cap twice: fill to capacity and
	// the single m1 entry is the only one evicted.
	for i := 0; i < model.SentMessageIndexCap; i++ {
		idx.Add(fmt.Sprintf("n%d", i))
	}
	require.False(t, idx.Contains("m1"))
	require.True(t, idx.Contains("n0"))
}

func TestMessageCacheCapsPerContact(t *testing.T) {
	cache := model.NewMessageCache()
	for i := 0; i < model.MessageCacheCap+5; i++ {
		cache.Add("contact-a", model.CachedMessage{MessageID: fmt.Sprintf("m%d", i)})
	}
	cache.Add("contact-b", model.CachedMessage{MessageID: "other"})

	recent := cache.Recent("contact-a")
	require.Len(t, recent, model.MessageCacheCap)
	require.Equal(t, fmt.Sprintf("m%d", 5), recent[0].MessageID)
	require.Len(t, cache.Recent("contact-b"), 1)
}

func TestConversationHistoryBounded(t *testing.T) {
	c := &model.Conversation{}
	for i := 0; i < 25; i++ {
		c.AppendUser("u")
		c.AppendAssistant("a")
	}
	require.Len(t, c.History, model.MaxHistory)
	// Oldest turns were evicted from the head; the tail is the latest pair.
	require.Equal(t, "assistant", c.History[len(c.History)-1].Role)
}

func TestConversationActiveBoundary(t *testing.T) {
	now := time.Now()
	c := &model.Conversation{LastInteraction: now}

	require.True(t, c.Active(now.Add(model.ConversationTimeout-time.Millisecond)))
	require.False(t, c.Active(now.Add(model.ConversationTimeout+time.Millisecond)))
}

func TestPairingCodeExpiry(t *testing.T) {
	now := time.Now()
	pc := model.PairingCode{Code: "A3F1B2", CreatedAt: now}

	require.False(t, pc.Expired(now.Add(model.PairingCodeTTL-time.Second)))
	require.True(t, pc.Expired(now.Add(model.PairingCodeTTL+time.Second)))
}
