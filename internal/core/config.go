// Package core provides the message engine and configuration management for miaubot.
//
// The core package turns inbound chat messages into command dispatch. It handles:
//
//   - Configuration loading and validation (from YAML files)
//   - Backend selection (WhatsApp, Discord or Telegram)
//   - Message filtering and duplicate suppression
//   - Command routing and the built-in commands
//   - Graceful shutdown when signalled or when reconnecting gives up
//
// # Example Configuration
//
//	bot:
//	  name: "Miau"
//	  prefix: "/"
//	  language: "en"
//	backend: whatsapp
//	whatsapp:
//	  store_path: "storage/whatsapp.db"
//	connection:
//	  max_reconnect_attempts: 5
//	  reconnect_delay: "5s"
//	media:
//	  downloads_dir: "storage/media/downloads"
package core

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/keepmind9/miaubot/internal/bot"
	"github.com/keepmind9/miaubot/internal/cache"
	"github.com/keepmind9/miaubot/internal/connection"
	"github.com/keepmind9/miaubot/internal/i18n"
	"github.com/keepmind9/miaubot/internal/logger"
	"github.com/keepmind9/miaubot/internal/media"
	"github.com/keepmind9/miaubot/pkg/constants"
	"gopkg.in/yaml.v3"
)

const (
	DefaultLogLevel        = "info"
	DefaultReconnectDelay  = "5s"
	DefaultOpenTimeout     = "60s"
	DefaultPollTimeout     = "60s"
	DefaultJobTimeout      = "10m"
	DefaultMessageStoreTTL = "1h"
	DefaultRetryTTL        = "5m"

	// openTimeoutOff disables the open timeout
	openTimeoutOff = "off"
)

// DefaultAllowedServers are the WhatsApp servers of user and group chats.
var DefaultAllowedServers = []string{"s.whatsapp.net", "g.us"}

// Environment variables overriding the file.
const (
	EnvBotName             = "BOT_NAME"
	EnvBotPrefix           = "BOT_PREFIX"
	EnvBotLanguage         = "BOT_LANGUAGE"
	EnvMarkOnlineOnConnect = "WA_MARK_ONLINE_ON_CONNECT"
	EnvLogLevel            = "LOG_LEVEL"
)

// LoadConfig loads configuration from file and expands environment variables
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, applies environment overrides and
// validates the result
func ParseConfig(data []byte) (*Config, error) {
	expandedData, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// expandEnv replaces ${VAR_NAME} patterns with environment variable values
func expandEnv(input string) (string, error) {
	var missingVars []string

	result := os.Expand(input, func(key string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		missingVars = append(missingVars, key)
		return ""
	})

	if len(missingVars) > 0 {
		return "", fmt.Errorf("missing required environment variables: %s",
			strings.Join(missingVars, ", "))
	}

	return result, nil
}

// applyEnvOverrides lets the bot's environment knobs win over the file
func applyEnvOverrides(config *Config) error {
	if v := os.Getenv(EnvBotName); v != "" {
		config.Bot.Name = v
	}
	if v := os.Getenv(EnvBotPrefix); v != "" {
		config.Bot.Prefix = v
	}
	if v := os.Getenv(EnvBotLanguage); v != "" {
		config.Bot.Language = v
	}
	if v := os.Getenv(EnvMarkOnlineOnConnect); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", EnvMarkOnlineOnConnect, v, err)
		}
		config.WhatsApp.MarkOnlineOnConnect = b
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		config.Logging.Level = v
	}
	return nil
}

// validateConfig performs basic validation on the configuration
func validateConfig(config *Config) error {
	backend, err := bot.ValidatePlatform(config.Backend)
	if err != nil {
		return err
	}
	config.Backend = backend

	// Bot identity
	if config.Bot.Name == "" {
		config.Bot.Name = constants.DefaultBotName
	}
	if strings.TrimSpace(config.Bot.Prefix) == "" {
		config.Bot.Prefix = constants.DefaultCommandPrefix
	}
	config.Bot.Language = strings.ToLower(strings.TrimSpace(config.Bot.Language))
	if !i18n.IsValidLanguage(config.Bot.Language) {
		config.Bot.Language = constants.DefaultBotLanguage
	}

	// Backend credentials
	switch config.Backend {
	case bot.PlatformWhatsApp:
		if config.WhatsApp.StorePath == "" {
			config.WhatsApp.StorePath = constants.DefaultWhatsAppStore
		}
	case bot.PlatformDiscord:
		if config.Discord.Token == "" {
			return fmt.Errorf("discord.token is required for the discord backend")
		}
	case bot.PlatformTelegram:
		if config.Telegram.Token == "" {
			return fmt.Errorf("telegram.token is required for the telegram backend")
		}
	}
	if config.Telegram.PollTimeout == "" {
		config.Telegram.PollTimeout = DefaultPollTimeout
	}
	if err := checkDuration("telegram.poll_timeout", config.Telegram.PollTimeout); err != nil {
		return err
	}

	// Reconnect policy
	if config.Connection.MaxReconnectAttempts < 0 {
		return fmt.Errorf("connection.max_reconnect_attempts must not be negative (got %d)", config.Connection.MaxReconnectAttempts)
	}
	if config.Connection.MaxReconnectAttempts == 0 {
		config.Connection.MaxReconnectAttempts = connection.DefaultMaxReconnectAttempts
	}
	if config.Connection.ReconnectDelay == "" {
		config.Connection.ReconnectDelay = DefaultReconnectDelay
	}
	if err := checkDuration("connection.reconnect_delay", config.Connection.ReconnectDelay); err != nil {
		return err
	}
	if config.Connection.OpenTimeout == "" {
		config.Connection.OpenTimeout = DefaultOpenTimeout
	}
	if config.Connection.OpenTimeout != openTimeoutOff {
		if err := checkDuration("connection.open_timeout", config.Connection.OpenTimeout); err != nil {
			return err
		}
	}

	// Filter
	for _, pattern := range config.Filter.IgnorePatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid filter.ignore_patterns entry %q: %w", pattern, err)
		}
	}
	if config.Filter.IgnoreGroups && config.Filter.IgnorePrivate {
		return fmt.Errorf("filter.ignore_groups and filter.ignore_private cannot both be enabled")
	}
	if len(config.Filter.AllowedServers) == 0 {
		config.Filter.AllowedServers = append([]string(nil), DefaultAllowedServers...)
	}

	// Media
	if config.Media.DownloadsDir == "" {
		config.Media.DownloadsDir = constants.DefaultDownloadsDir
	}
	if config.Media.MaxConcurrent < 0 {
		return fmt.Errorf("media.max_concurrent must not be negative (got %d)", config.Media.MaxConcurrent)
	}
	if config.Media.MaxConcurrent == 0 {
		config.Media.MaxConcurrent = media.DefaultMaxConcurrent
	}
	if config.Media.VideoMessageLimitMB == 0 {
		config.Media.VideoMessageLimitMB = media.DefaultVideoMessageLimitMB
	}
	if config.Media.UploadLimitMB == 0 {
		config.Media.UploadLimitMB = media.DefaultUploadLimitMB
	}
	if config.Media.VideoMessageLimitMB > float64(config.Media.UploadLimitMB) {
		return fmt.Errorf("media.video_message_limit_mb (%v) exceeds media.upload_limit_mb (%d)",
			config.Media.VideoMessageLimitMB, config.Media.UploadLimitMB)
	}
	if config.Media.JobTimeout == "" {
		config.Media.JobTimeout = DefaultJobTimeout
	}
	if err := checkDuration("media.job_timeout", config.Media.JobTimeout); err != nil {
		return err
	}

	// Caches
	if config.Cache.MessageStoreSize <= 0 {
		config.Cache.MessageStoreSize = cache.DefaultMessageStoreSize
	}
	if config.Cache.MessageStoreTTL == "" {
		config.Cache.MessageStoreTTL = DefaultMessageStoreTTL
	}
	if err := checkDuration("cache.message_store_ttl", config.Cache.MessageStoreTTL); err != nil {
		return err
	}
	if config.Cache.RetrySize <= 0 {
		config.Cache.RetrySize = cache.DefaultRetrySize
	}
	if config.Cache.RetryTTL == "" {
		config.Cache.RetryTTL = DefaultRetryTTL
	}
	if err := checkDuration("cache.retry_ttl", config.Cache.RetryTTL); err != nil {
		return err
	}

	// Set default logging configuration
	if config.Logging.Level == "" {
		config.Logging.Level = DefaultLogLevel
	}
	if config.Logging.MaxSize == 0 {
		config.Logging.MaxSize = constants.DefaultLogMaxSize
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = constants.DefaultLogMaxBackups
	}
	if config.Logging.MaxAge == 0 {
		config.Logging.MaxAge = constants.DefaultLogMaxAge
	}

	return nil
}

func checkDuration(field, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive (got %v)", field, d)
	}
	return nil
}

// mustDuration parses a duration already accepted by validateConfig
func mustDuration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// ConnectionSettings returns the connection manager's policy
func (c *Config) ConnectionSettings() connection.Config {
	openTimeout := time.Duration(-1)
	if c.Connection.OpenTimeout != openTimeoutOff {
		openTimeout = mustDuration(c.Connection.OpenTimeout)
	}
	return connection.Config{
		MaxReconnectAttempts: c.Connection.MaxReconnectAttempts,
		ReconnectDelay:       mustDuration(c.Connection.ReconnectDelay),
		OpenTimeout:          openTimeout,
		MarkOnlineOnConnect:  c.WhatsApp.MarkOnlineOnConnect,
		LogoutOnDisconnect:   c.Connection.LogoutOnDisconnect,
	}
}

// MediaSettings returns the media pipeline configuration
func (c *Config) MediaSettings() media.Config {
	return media.Config{
		DownloadsDir:        c.Media.DownloadsDir,
		YtDlpPath:           c.Media.YtDlpPath,
		FFmpegPath:          c.Media.FFmpegPath,
		MaxConcurrent:       int64(c.Media.MaxConcurrent),
		VideoMessageLimitMB: c.Media.VideoMessageLimitMB,
		UploadLimitMB:       c.Media.UploadLimitMB,
		JobTimeout:          mustDuration(c.Media.JobTimeout),
	}
}

// LoggerSettings returns the logger configuration
func (c *Config) LoggerSettings() logger.Config {
	return logger.Config{
		Level:        c.Logging.Level,
		File:         c.Logging.File,
		MaxSize:      c.Logging.MaxSize,
		MaxBackups:   c.Logging.MaxBackups,
		MaxAge:       c.Logging.MaxAge,
		Compress:     boolOr(c.Logging.Compress, true),
		EnableStdout: boolOr(c.Logging.EnableStdout, true),
	}
}

// BackendToken returns the credential of the selected backend, empty for
// WhatsApp which pairs by QR code
func (c *Config) BackendToken() string {
	switch c.Backend {
	case bot.PlatformDiscord:
		return c.Discord.Token
	case bot.PlatformTelegram:
		return c.Telegram.Token
	}
	return ""
}
