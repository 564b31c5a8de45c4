package proactive_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mastra-agents/chatgateway/internal/logger"
	"github.com/mastra-agents/chatgateway/internal/metrics"
	"github.com/mastra-agents/chatgateway/internal/model"
	"github.com/mastra-agents/chatgateway/internal/proactive"
	"github.com/mastra-agents/chatgateway/internal/sessionstore"
)

type fakeBackend struct {
	staleProjects map[string][]proactive.StaleProject
	overdue       map[string][]string
	atRiskErr     map[string]error
	goals         map[string][]proactive.AtRiskGoal
	risks         map[string][]proactive.RiskSignal
}

func (f *fakeBackend) StaleProjects(ctx context.Context, userID, token string) ([]proactive.StaleProject, error) {
	return f.staleProjects[userID], nil
}
func (f *fakeBackend) MorningBriefing(ctx context.Context, userID, token string) ([]string, error) {
	return f.overdue[userID], nil
}
func (f *fakeBackend) AtRiskGoals(ctx context.Context, userID, token string) ([]proactive.AtRiskGoal, error) {
	if err, ok := f.atRiskErr[userID]; ok {
		return nil, err
	}
	return f.goals[userID], nil
}
func (f *fakeBackend) SprintRiskSignals(ctx context.Context, userID, token string) ([]proactive.RiskSignal, error) {
	return f.risks[userID], nil
}

type fakeDelivery struct {
	sent map[int64]string
}

func (d *fakeDelivery) SendTelegramDigest(ctx context.Context, chatID int64, text string) error {
	d.sent[chatID] = text
	return nil
}
func (d *fakeDelivery) SendWhatsAppDigest(ctx context.Context, sessionID, text string) error { return nil }
func (d *fakeDelivery) WhatsAppConnected(sessionID string) bool                              { return false }

func TestSweepDeliversDigestsWithPerCheckFailureIsolation(t *testing.T) {
	dir := t.TempDir()
	mappings := sessionstore.NewMappingManifest(dir, "secret")
	now := time.Now()
	require.NoError(t, mappings.Upsert(&model.Mapping{TelegramChatID: 1, UserID: "u1", AgentID: "assistant", PairedAt: now}))
	require.NoError(t, mappings.Upsert(&model.Mapping{TelegramChatID: 2, UserID: "u2", AgentID: "assistant", PairedAt: now}))
	require.NoError(t, mappings.Upsert(&model.Mapping{TelegramChatID: 3, UserID: "u3", AgentID: "assistant", PairedAt: now}))
	require.NoError(t, mappings.SetEncryptedToken(1, "tok1"))
	require.NoError(t, mappings.SetEncryptedToken(2, "tok2"))
	require.NoError(t, mappings.SetEncryptedToken(3, "tok3"))

	sessions := sessionstore.NewSessionManifest(dir, "secret")

	backend := &fakeBackend{
		staleProjects: map[string][]proactive.StaleProject{
			"u1": {{Name: "p1"}, {Name: "p2"}},
			"u3": {{Name: "p3"}},
		},
		atRiskErr: map[string]error{
			"u3": errors.New("network error"),
		},
	}
	delivery := &fakeDelivery{sent: make(map[int64]string)}

	audit, err := proactive.NewAuditLog(dir + "/audit.db")
	require.NoError(t, err)
	defer audit.Close()

	sched, err := proactive.New(proactive.Config{MorningCron: "0 9 * * 1-5", EveningCron: "0 18 * * 1-5"},
		backend, delivery, mappings, sessions, audit, metrics.NewCollector(), logger.New(&logger.Config{Level: "error"}))
	require.NoError(t, err)

	results := sched.RunSweepNow(context.Background(), "morning", true)
	require.Len(t, results, 3)

	require.Contains(t, delivery.sent, int64(1)) // u1 has issues
	require.NotContains(t, delivery.sent, int64(2)) // u2 has no issues
	require.Contains(t, delivery.sent, int64(3)) // u3 still gets a digest from the other checks
}
