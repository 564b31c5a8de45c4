// Package config loads the gateway's configuration: defaults, then an
// optional YAML file, then environment variables for anything that varies
// by deployment (ports, secrets, sessions directories). Each gateway
// process may read the same file but run with different env overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting the gateway reads at startup, first from an
// optional YAML file and then from environment variables.
type Config struct {
	AuthSecret    string `yaml:"-"` // AUTH_SECRET
	GatewaySecret string `yaml:"-"` // GATEWAY_SECRET

	WhatsAppGatewayPort int    `yaml:"whatsappGatewayPort"` // WHATSAPP_GATEWAY_PORT
	TelegramGatewayPort int    `yaml:"telegramGatewayPort"` // TELEGRAM_GATEWAY_PORT
	WhatsAppSessionsDir string `yaml:"whatsappSessionsDir"` // WHATSAPP_SESSIONS_DIR
	TelegramSessionsDir string `yaml:"telegramSessionsDir"` // TELEGRAM_SESSIONS_DIR
	WhatsAppMaxSessions int    `yaml:"whatsappMaxSessions"` // WHATSAPP_MAX_SESSIONS

	TelegramBotToken    string `yaml:"-"` // TELEGRAM_BOT_TOKEN (secret, env-only)
	TelegramBotUsername string `yaml:"telegramBotUsername"`

	TodoAppBaseURL string `yaml:"todoAppBaseURL"` // TODO_APP_BASE_URL

	WhatsAppPrivateResponses bool `yaml:"whatsappPrivateResponses"` // WHATSAPP_PRIVATE_RESPONSES

	ProactiveMorningCron string `yaml:"proactiveMorningCron"` // PROACTIVE_MORNING_CRON
	ProactiveEveningCron string `yaml:"proactiveEveningCron"` // PROACTIVE_EVENING_CRON
	Timezone             string `yaml:"timezone"`             // TZ

	AllowedOrigins []string `yaml:"allowedOrigins"` // GATEWAY_ALLOWED_ORIGINS, comma-separated

	LogLevel string `yaml:"logLevel"`
}

// Default returns the configuration's documented defaults.
func Default() *Config {
	return &Config{
		WhatsAppGatewayPort: 4112,
		TelegramGatewayPort: 4113,
		WhatsAppSessionsDir: "./data/whatsapp-sessions",
		TelegramSessionsDir: "./data/telegram-sessions",
		WhatsAppMaxSessions: 10,
		ProactiveMorningCron: "0 9 * * 1-5",
		ProactiveEveningCron: "0 18 * * 1-5",
		Timezone:             "UTC",
		AllowedOrigins:       []string{"*"},
		LogLevel:             "info",
	}
}

// Load builds a Config starting from Default(), layering in an optional
// YAML file (CONFIG_FILE, or ./gateway.yaml if that file exists), then
// applying environment variables on top of whatever the file set.
// AUTH_SECRET is required and Load returns an error if it's missing.
func Load() (*Config, error) {
	cfg := Default()

	if err := loadYAMLFile(cfg); err != nil {
		return nil, err
	}

	cfg.AuthSecret = os.Getenv("AUTH_SECRET")
	if cfg.AuthSecret == "" {
		return nil, fmt.Errorf("config: AUTH_SECRET is required")
	}
	cfg.GatewaySecret = os.Getenv("GATEWAY_SECRET")

	if v := os.Getenv("WHATSAPP_GATEWAY_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: WHATSAPP_GATEWAY_PORT: %w", err)
		}
		cfg.WhatsAppGatewayPort = p
	}
	if v := os.Getenv("TELEGRAM_GATEWAY_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: TELEGRAM_GATEWAY_PORT: %w", err)
		}
		cfg.TelegramGatewayPort = p
	}
	if v := os.Getenv("WHATSAPP_SESSIONS_DIR"); v != "" {
		cfg.WhatsAppSessionsDir = v
	}
	if v := os.Getenv("TELEGRAM_SESSIONS_DIR"); v != "" {
		cfg.TelegramSessionsDir = v
	}
	if v := os.Getenv("WHATSAPP_MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: WHATSAPP_MAX_SESSIONS: %w", err)
		}
		cfg.WhatsAppMaxSessions = n
	}

	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if v := os.Getenv("TELEGRAM_BOT_USERNAME"); v != "" {
		cfg.TelegramBotUsername = v
	}
	if v := os.Getenv("TODO_APP_BASE_URL"); v != "" {
		cfg.TodoAppBaseURL = v
	}

	if v := os.Getenv("WHATSAPP_PRIVATE_RESPONSES"); v == "true" {
		cfg.WhatsAppPrivateResponses = true
	}

	if v := os.Getenv("PROACTIVE_MORNING_CRON"); v != "" {
		cfg.ProactiveMorningCron = v
	}
	if v := os.Getenv("PROACTIVE_EVENING_CRON"); v != "" {
		cfg.ProactiveEveningCron = v
	}
	if v := os.Getenv("TZ"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GATEWAY_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.AllowedOrigins = origins
	}

	return cfg, nil
}

// loadYAMLFile unmarshals an optional config file over cfg: CONFIG_FILE
// if set (missing then is an error), else ./gateway.yaml if present.
func loadYAMLFile(cfg *Config) error {
	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if path == "" {
		path = "gateway.yaml"
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if explicit {
			return fmt.Errorf("config: read %s: %w", path, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Location resolves the configured timezone, falling back to UTC if the
// name is unrecognized.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
