package sessionstore_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mastra-agents/chatgateway/internal/model"
	"github.com/mastra-agents/chatgateway/internal/sessionstore"
)

func TestSessionManifestRestartRoundTrip(t *testing.T) {
	dir := t.TempDir()
	secret := "top-secret"

	m1 := sessionstore.NewSessionManifest(dir, secret)
	sess := &model.Session{SessionID: "abc12345", UserID: "u1", CreatedAt: time.Now()}
	require.NoError(t, m1.Persist(sess))
	require.NoError(t, m1.SetEncryptedToken("abc12345", "tok-v1"))

	// simulate the session's credential directory existing
	require.NoError(t, os.MkdirAll(m1.CredentialsDir("abc12345"), 0o755))

	m2 := sessionstore.NewSessionManifest(dir, secret)
	skipped, err := m2.LoadAll()
	require.NoError(t, err)
	require.Empty(t, skipped)

	got, ok := m2.Get("abc12345")
	require.True(t, ok)
	require.Equal(t, "u1", got.UserID)

	tok, err := m2.DecryptToken("abc12345")
	require.NoError(t, err)
	require.Equal(t, "tok-v1", tok)
}

func TestSessionManifestSkipsEntriesMissingCredentials(t *testing.T) {
	dir := t.TempDir()
	m1 := sessionstore.NewSessionManifest(dir, "s")
	require.NoError(t, m1.Persist(&model.Session{SessionID: "nodir0", UserID: "u1", CreatedAt: time.Now()}))

	m2 := sessionstore.NewSessionManifest(dir, "s")
	skipped, err := m2.LoadAll()
	require.NoError(t, err)
	require.Contains(t, skipped, "nodir0")
	_, ok := m2.Get("nodir0")
	require.False(t, ok)
}

func TestSessionManifestAtMostOnePerUser(t *testing.T) {
	dir := t.TempDir()
	m := sessionstore.NewSessionManifest(dir, "s")
	require.NoError(t, m.Persist(&model.Session{SessionID: "s1", UserID: "u1", CreatedAt: time.Now()}))

	_, ok := m.GetByUserID("u1")
	require.True(t, ok)
	_, ok = m.GetByUserID("u2")
	require.False(t, ok)
}

func TestRemoveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	m := sessionstore.NewSessionManifest(dir, "s")
	require.NoError(t, m.Remove("does-not-exist"))
}

func TestMappingManifestBijectiveUpsert(t *testing.T) {
	dir := t.TempDir()
	m := sessionstore.NewMappingManifest(dir, "s")

	require.NoError(t, m.Upsert(&model.Mapping{TelegramChatID: 555, UserID: "u1", AgentID: "assistant", PairedAt: time.Now()}))
	_, ok := m.GetByUserID("u1")
	require.True(t, ok)

	// re-pairing the same user under a new chat evicts the old entry
	require.NoError(t, m.Upsert(&model.Mapping{TelegramChatID: 777, UserID: "u1", AgentID: "assistant", PairedAt: time.Now()}))
	_, ok = m.GetByChatID(555)
	require.False(t, ok)
	got, ok := m.GetByChatID(777)
	require.True(t, ok)
	require.Equal(t, "u1", got.UserID)
}

func TestPairingCodeSinglePendingPerUser(t *testing.T) {
	codes := sessionstore.NewPairingCodes()
	now := time.Now()

	c1, err := codes.Issue("u1", "tok", "assistant", now)
	require.NoError(t, err)
	_, err = codes.Issue("u1", "tok", "assistant", now)
	require.NoError(t, err)

	_, ok := codes.Consume(c1.Code, now)
	require.False(t, ok, "first code should have been evicted by the second Issue")
}

func TestPairingCodeExpires(t *testing.T) {
	codes := sessionstore.NewPairingCodes()
	now := time.Now()
	c, err := codes.Issue("u1", "tok", "assistant", now)
	require.NoError(t, err)

	_, ok := codes.Consume(c.Code, now.Add(model.PairingCodeTTL+time.Second))
	require.False(t, ok)
}

