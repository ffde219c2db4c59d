// Package config loads environment variables and provides a typed Config
// used across the service. It applies sensible defaults so the binary can
// run locally with minimal setup; missing optional variables disable
// features (e.g. Discord or persistence) rather than failing startup.
package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	// HTTP
	HTTPAddr string

	// Twitch chat credentials for auto-connect at startup
	TwitchChannel     string
	TwitchBotUsername string
	TwitchOAuthToken  string

	// Twitch API credentials for background token refresh
	TwitchClientID     string
	TwitchClientSecret string

	// Discord
	DiscordBotToken string
	DiscordChannel  string

	// YouTube OAuth
	YTClientID     string
	YTClientSecret string

	// Coordinator
	BufferSize          int
	DetachAfterFailures int

	// Database. Empty disables token persistence entirely.
	DBDsn string
}

// Load reads environment variables and applies defaults. Platform
// credentials are optional at startup; a bridge without credentials simply
// rejects connect requests. Use ValidateDiscordReady before connecting the
// Discord bridge.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	cfg.TwitchChannel = os.Getenv("TWITCH_CHANNEL")
	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchOAuthToken = os.Getenv("TWITCH_OAUTH_TOKEN")
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")

	cfg.DiscordBotToken = os.Getenv("DISCORD_BOT_TOKEN")
	cfg.DiscordChannel = os.Getenv("DISCORD_CHANNEL_ID")

	cfg.YTClientID = os.Getenv("YT_CLIENT_ID")
	cfg.YTClientSecret = os.Getenv("YT_CLIENT_SECRET")

	var err error
	if cfg.BufferSize, err = envInt("CHAT_BUFFER_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("CHAT_BUFFER_SIZE must be positive, got %d", cfg.BufferSize)
	}
	if cfg.DetachAfterFailures, err = envInt("CHAT_DETACH_AFTER_FAILURES", 0); err != nil {
		return nil, err
	}
	if cfg.DetachAfterFailures < 0 {
		return nil, fmt.Errorf("CHAT_DETACH_AFTER_FAILURES must not be negative, got %d", cfg.DetachAfterFailures)
	}

	// Empty DB_DSN runs the service without persistence; tokens then live
	// only for the process lifetime.
	cfg.DBDsn = os.Getenv("DB_DSN")

	return cfg, nil
}

// ValidateDiscordReady checks the credential needed by the gateway bridge.
func (c *Config) ValidateDiscordReady() error {
	if c.DiscordBotToken == "" {
		return fmt.Errorf("missing discord env: require DISCORD_BOT_TOKEN")
	}
	return nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s (integer): %w", key, err)
	}
	return n, nil
}
