package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mastra-agents/chatgateway/internal/config"
)

func TestLoadRequiresAuthSecret(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	_, err := config.Load()
	require.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "shh")
	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 4112, cfg.WhatsAppGatewayPort)
	require.Equal(t, 4113, cfg.TelegramGatewayPort)
	require.Equal(t, 10, cfg.WhatsAppMaxSessions)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("AUTH_SECRET", "shh")
	t.Setenv("WHATSAPP_GATEWAY_PORT", "9001")
	t.Setenv("WHATSAPP_MAX_SESSIONS", "3")
	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 9001, cfg.WhatsAppGatewayPort)
	require.Equal(t, 3, cfg.WhatsAppMaxSessions)
}

func TestLoadDefaultsAllowedOriginsToWildcard(t *testing.T) {
	t.Setenv("AUTH_SECRET", "shh")
	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}

func TestLoadParsesAllowedOriginsFromEnv(t *testing.T) {
	t.Setenv("AUTH_SECRET", "shh")
	t.Setenv("GATEWAY_ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")
	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
}
