package constants

import "time"

// Message length limits for different platforms
const (
	// MaxDiscordMessageLength is Discord's message character limit
	MaxDiscordMessageLength = 2000
	// MaxTelegramMessageLength is Telegram's message character limit
	MaxTelegramMessageLength = 4096
	// MaxWhatsAppMessageLength is a practical limit; longer texts are split
	MaxWhatsAppMessageLength = 65536
)

// Timeouts and delays
const (
	// DefaultPollTimeout is the Telegram long polling timeout
	DefaultPollTimeout = 60 * time.Second
	// DefaultCloseTimeout bounds socket shutdown during Stop
	DefaultCloseTimeout = 10 * time.Second
	// DefaultDownloadTimeout bounds inbound media downloads
	DefaultDownloadTimeout = 2 * time.Minute
)

// Default file locations
const (
	DefaultConfigFile     = "config.yaml"
	DefaultWhatsAppStore  = "storage/whatsapp.db"
	DefaultDownloadsDir   = "storage/media/downloads"
	DefaultLogFile        = "logs/miaubot.log"
	DefaultBotName        = "Miau"
	DefaultCommandPrefix  = "/"
	DefaultBotLanguage    = "en"
	StatusBroadcastChatID = "status@broadcast"
)

// Secret masking
const (
	// MinSecretLengthForMasking is the minimum length that is partially shown
	MinSecretLengthForMasking = 10
	// SecretMaskPrefixLength is the length of prefix to show before masking
	SecretMaskPrefixLength = 4
	// SecretMaskSuffixLength is the length of suffix to show after masking
	SecretMaskSuffixLength = 4
)

// Logging defaults
const (
	// DefaultLogMaxSize is the default maximum log file size in MB
	DefaultLogMaxSize = 100
	// DefaultLogMaxBackups is the default number of rotated files kept
	DefaultLogMaxBackups = 5
	// DefaultLogMaxAge is the default maximum number of days to retain old logs
	DefaultLogMaxAge = 30
)
