package agentruntime_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mastra-agents/chatgateway/internal/agentruntime"
	"github.com/mastra-agents/chatgateway/internal/apperr"
	"github.com/mastra-agents/chatgateway/internal/logger"
	"github.com/mastra-agents/chatgateway/internal/metrics"
)

type fakeRuntime struct {
	calls      int
	failUntil  int // fail with 401 for the first N calls
	lastReqCtx agentruntime.RequestContext
}

func (f *fakeRuntime) Generate(ctx context.Context, agentID string, messages []agentruntime.Message, reqCtx agentruntime.RequestContext) (*agentruntime.Response, error) {
	f.calls++
	f.lastReqCtx = reqCtx
	if f.calls <= f.failUntil {
		return nil, fmt.Errorf("unauthorized: 401")
	}
	return &agentruntime.Response{Text: "ok " + agentID}, nil
}

type fakeRefresher struct {
	called int
	newTok string
	err    error
}

func (f *fakeRefresher) Refresh(ctx context.Context, ownerKey string) (string, error) {
	f.called++
	return f.newTok, f.err
}

func newTestLogger() *logger.Logger {
	return logger.New(&logger.Config{Level: "error"})
}

func TestDispatchSucceedsWithoutRetry(t *testing.T) {
	rt := &fakeRuntime{}
	refresher := &fakeRefresher{}
	d := agentruntime.NewDispatcher(rt, refresher, metrics.NewCollector(), newTestLogger())

	out, err := d.Dispatch(context.Background(), agentruntime.DispatchInput{
		Transport: agentruntime.TransportTelegram,
		AgentID:   "assistant",
		Text:      "hi",
	})
	require.NoError(t, err)
	require.Equal(t, 1, rt.calls)
	require.Equal(t, 0, refresher.called)
	require.Contains(t, out.ReplyText, "ok assistant")
}

func TestDispatchRetriesOnceOnAuthFailure(t *testing.T) {
	rt := &fakeRuntime{failUntil: 1}
	refresher := &fakeRefresher{newTok: "NEW"}
	d := agentruntime.NewDispatcher(rt, refresher, metrics.NewCollector(), newTestLogger())

	out, err := d.Dispatch(context.Background(), agentruntime.DispatchInput{
		Transport: agentruntime.TransportWhatsApp,
		AgentID:   "zoe",
		Text:      "hi",
	})
	require.NoError(t, err)
	require.Equal(t, 2, rt.calls)
	require.Equal(t, 1, refresher.called)
	require.Equal(t, "NEW", rt.lastReqCtx[agentruntime.CtxAuthToken])
	require.Contains(t, out.ReplyText, "ok zoe")
}

func TestDispatchSecondAuthFailureSurfacesUserMessage(t *testing.T) {
	rt := &fakeRuntime{failUntil: 2}
	refresher := &fakeRefresher{newTok: "NEW"}
	d := agentruntime.NewDispatcher(rt, refresher, metrics.NewCollector(), newTestLogger())

	_, err := d.Dispatch(context.Background(), agentruntime.DispatchInput{
		Transport: agentruntime.TransportWhatsApp,
		AgentID:   "zoe",
		Text:      "hi",
	})
	require.Error(t, err)
	require.Equal(t, 2, rt.calls)
}

func TestDispatchChunksLongWhatsAppResponseUnderLimit(t *testing.T) {
	longText := ""
	for i := 0; i < 9000; i++ {
		longText += "x"
	}
	rt := &fakeRuntimeFixedText{text: longText}
	refresher := &fakeRefresher{}
	d := agentruntime.NewDispatcher(rt, refresher, metrics.NewCollector(), newTestLogger())

	out, err := d.Dispatch(context.Background(), agentruntime.DispatchInput{
		Transport: agentruntime.TransportWhatsApp,
		AgentID:   "assistant",
		Text:      "give me a long reply",
	})
	require.NoError(t, err)
	require.Len(t, out.Chunks, 3)
	for _, c := range out.Chunks {
		// 4093: room is reserved for the three-rune signature the adapter
		// appends on send; the dispatcher itself never signs.
		require.LessOrEqual(t, len(c), 4093)
		require.NotContains(t, c, agentruntime.BotSignature)
	}
}

type fakeRuntimeFixedText struct{ text string }

func (f *fakeRuntimeFixedText) Generate(ctx context.Context, agentID string, messages []agentruntime.Message, reqCtx agentruntime.RequestContext) (*agentruntime.Response, error) {
	return &agentruntime.Response{Text: f.text}, nil
}

type recordingSender struct {
	sent   []string
	nextID int
	err    error
}

func (s *recordingSender) Send(ctx context.Context, remoteChatID, text string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, text)
	s.nextID++
	return fmt.Sprintf("msg-%d", s.nextID), nil
}

func TestDeliverChunksReturnsFinalMessageID(t *testing.T) {
	sender := &recordingSender{}
	lastID, err := agentruntime.DeliverChunks(context.Background(), sender, "chat-1", []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, sender.sent)
	require.Equal(t, "msg-3", lastID)
}

func TestDeliverChunksSurfacesSendError(t *testing.T) {
	sender := &recordingSender{err: fmt.Errorf("socket closed")}
	_, err := agentruntime.DeliverChunks(context.Background(), sender, "chat-1", []string{"a", "b"})
	require.Error(t, err)
}

type fakeQuotaRuntime struct {
	calls     int
	failUntil int // return a quota error for the first N calls
}

func (f *fakeQuotaRuntime) Generate(ctx context.Context, agentID string, messages []agentruntime.Message, reqCtx agentruntime.RequestContext) (*agentruntime.Response, error) {
	f.calls++
	if f.calls <= f.failUntil {
		return nil, apperr.Quota("agent runtime quota exhausted", fmt.Errorf("429"))
	}
	return &agentruntime.Response{Text: "ok " + agentID}, nil
}

func TestDispatchRecoversFromQuotaErrorWithoutSurfacingIt(t *testing.T) {
	rt := &fakeQuotaRuntime{failUntil: 1}
	refresher := &fakeRefresher{}
	d := agentruntime.NewDispatcher(rt, refresher, metrics.NewCollector(), newTestLogger())

	out, err := d.Dispatch(context.Background(), agentruntime.DispatchInput{
		Transport: agentruntime.TransportTelegram,
		AgentID:   "assistant",
		Text:      "hi",
	})
	require.NoError(t, err)
	require.Equal(t, 2, rt.calls)
	require.Equal(t, 0, refresher.called)
	require.Contains(t, out.ReplyText, "ok assistant")
}

func TestDispatchDropsSilentlyWhenQuotaBackoffNeverRecovers(t *testing.T) {
	rt := &fakeQuotaRuntime{failUntil: 1000}
	refresher := &fakeRefresher{}
	d := agentruntime.NewDispatcher(rt, refresher, metrics.NewCollector(), newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out, err := d.Dispatch(ctx, agentruntime.DispatchInput{
		Transport: agentruntime.TransportTelegram,
		AgentID:   "assistant",
		Text:      "hi",
	})
	require.NoError(t, err)
	require.Nil(t, out)
}
