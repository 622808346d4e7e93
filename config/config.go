// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Each network session has its own Validate*Ready check; the binary refuses to
// start unless all of them pass.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultIRCAddress is the Twitch chat IRC endpoint (TLS).
	DefaultIRCAddress = "irc.chat.twitch.tv:6697"
	// DefaultCommandPrefix marks channel lines addressed to the bot.
	DefaultCommandPrefix = "."
)

type Config struct {
	// IRC (network A)
	IRCAddress    string
	IRCNick       string
	IRCOAuthToken string
	IRCChannels   []string
	CommandPrefix string

	// Helix identity lookup and whispers
	TwitchClientID     string
	TwitchClientSecret string
	// TwitchWhisperToken is the bot's user token for Helix whispers; it needs
	// the user:manage:whispers scope. Defaults to IRCOAuthToken.
	TwitchWhisperToken string

	// Steam (network B)
	SteamUsername    string
	SteamPassword    string
	SteamDisplayName string
	SteamGroupID     uint64
	SteamProfileURL  string

	// Verification
	AuthHelpURL           string
	CodeTTL               time.Duration
	SweepInterval         time.Duration
	IdentityLookupTimeout time.Duration

	// Bridge behavior
	Admins       []string
	RelayEnabled bool
	Strict       bool

	// Database (optional pairing persistence)
	DBDsn string

	// HTTP
	HTTPAddr      string
	AdminUsername string
	AdminPassword string
	AdminToken    string

	// Tracing
	OTLPEndpoint string
}

// Load reads environment variables and applies defaults. It doesn't fail when
// credentials are missing; use the Validate*Ready checks before starting a session.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.IRCAddress = os.Getenv("IRC_ADDRESS")
	if cfg.IRCAddress == "" {
		cfg.IRCAddress = DefaultIRCAddress
	}
	cfg.IRCNick = os.Getenv("IRC_NICK")
	cfg.IRCOAuthToken = os.Getenv("IRC_OAUTH_TOKEN")
	cfg.IRCChannels = splitList(os.Getenv("IRC_CHANNELS"))
	cfg.CommandPrefix = os.Getenv("COMMAND_PREFIX")
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = DefaultCommandPrefix
	}

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchWhisperToken = os.Getenv("TWITCH_WHISPER_TOKEN")
	if cfg.TwitchWhisperToken == "" {
		cfg.TwitchWhisperToken = cfg.IRCOAuthToken
	}
	// IRC wants "oauth:<token>"; Helix wants the bare token.
	cfg.TwitchWhisperToken = strings.TrimPrefix(cfg.TwitchWhisperToken, "oauth:")

	cfg.SteamUsername = os.Getenv("STEAM_USERNAME")
	cfg.SteamPassword = os.Getenv("STEAM_PASSWORD")
	cfg.SteamDisplayName = os.Getenv("STEAM_DISPLAY_NAME")
	if v := os.Getenv("STEAM_GROUP_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid STEAM_GROUP_ID: %w", err)
		}
		cfg.SteamGroupID = id
	}
	cfg.SteamProfileURL = os.Getenv("STEAM_PROFILE_URL")

	cfg.AuthHelpURL = os.Getenv("AUTH_HELP_URL")
	var err error
	if cfg.CodeTTL, err = durationEnv("VERIFY_CODE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = durationEnv("VERIFY_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.IdentityLookupTimeout, err = durationEnv("IDENTITY_LOOKUP_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	cfg.Admins = splitList(os.Getenv("BRIDGE_ADMINS"))
	cfg.RelayEnabled = os.Getenv("RELAY_ENABLED") == "1"
	cfg.Strict = os.Getenv("BRIDGE_STRICT") == "1"

	cfg.DBDsn = os.Getenv("DB_DSN")

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	cfg.AdminUsername = os.Getenv("ADMIN_USERNAME")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	return cfg, nil
}

// ValidateChatReady checks the fields required to open the IRC session.
func (c *Config) ValidateChatReady() error {
	if c.IRCNick == "" || c.IRCOAuthToken == "" || len(c.IRCChannels) == 0 {
		return fmt.Errorf("missing irc env: require IRC_NICK, IRC_OAUTH_TOKEN, IRC_CHANNELS")
	}
	return nil
}

// ValidateIdentityLookupReady checks the Helix credentials used to resolve accounts.
func (c *Config) ValidateIdentityLookupReady() error {
	if c.TwitchClientID == "" || c.TwitchClientSecret == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET")
	}
	return nil
}

// ValidateSteamReady checks the fields required to log on to Steam.
func (c *Config) ValidateSteamReady() error {
	if c.SteamUsername == "" || c.SteamPassword == "" {
		return fmt.Errorf("missing steam env: require STEAM_USERNAME, STEAM_PASSWORD")
	}
	return nil
}

// PrimaryChannel is the room commands reply into and the relay targets.
func (c *Config) PrimaryChannel() string {
	if len(c.IRCChannels) == 0 {
		return ""
	}
	return c.IRCChannels[0]
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
