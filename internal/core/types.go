package core

// Config represents the complete miaubot configuration structure
type Config struct {
	Bot        BotConfig        `yaml:"bot"`
	Backend    string           `yaml:"backend"` // whatsapp, discord or telegram
	WhatsApp   WhatsAppConfig   `yaml:"whatsapp"`
	Discord    DiscordConfig    `yaml:"discord"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Connection ConnectionConfig `yaml:"connection"`
	Filter     FilterConfig     `yaml:"filter"`
	Media      MediaConfig      `yaml:"media"`
	Cache      CacheConfig      `yaml:"cache"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// BotConfig represents the bot's identity and command syntax
type BotConfig struct {
	Name     string `yaml:"name"`     // Display name (default: Miau)
	Prefix   string `yaml:"prefix"`   // Command prefix (default: /)
	Language string `yaml:"language"` // en, es or pt (default: en)
}

// WhatsAppConfig represents WhatsApp backend configuration
type WhatsAppConfig struct {
	StorePath           string `yaml:"store_path"`             // sqlite credential store
	MarkOnlineOnConnect bool   `yaml:"mark_online_on_connect"` // Send an available presence after connecting
	QRImage             string `yaml:"qr_image"`               // Optional PNG written while pairing
}

// DiscordConfig represents Discord backend configuration
type DiscordConfig struct {
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"` // Restrict to one channel (optional)
}

// TelegramConfig represents Telegram backend configuration
type TelegramConfig struct {
	Token       string `yaml:"token"`
	PollTimeout string `yaml:"poll_timeout"` // Long polling timeout (e.g., "60s")
}

// ConnectionConfig represents the reconnect policy
type ConnectionConfig struct {
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"` // default: 5
	ReconnectDelay       string `yaml:"reconnect_delay"`        // default: "5s"
	OpenTimeout          string `yaml:"open_timeout"`           // default: "60s", "off" disables
	LogoutOnDisconnect   bool   `yaml:"logout_on_disconnect"`
}

// FilterConfig represents inbound message filtering
type FilterConfig struct {
	IgnoreJIDs     []string `yaml:"ignore_jids"`     // Exact chat or sender IDs
	IgnorePatterns []string `yaml:"ignore_patterns"` // Regular expressions over chat and sender IDs
	IgnoreGroups   bool     `yaml:"ignore_groups"`
	IgnorePrivate  bool     `yaml:"ignore_private"`
	// AllowedServers lists the WhatsApp JID servers accepted
	// (default: s.whatsapp.net, g.us)
	AllowedServers []string `yaml:"allowed_servers"`
}

// MediaConfig represents the download and conversion pipeline
type MediaConfig struct {
	DownloadsDir        string  `yaml:"downloads_dir"`
	YtDlpPath           string  `yaml:"yt_dlp_path"`
	FFmpegPath          string  `yaml:"ffmpeg_path"`
	MaxConcurrent       int     `yaml:"max_concurrent"`         // Parallel media jobs (default: 2)
	VideoMessageLimitMB float64 `yaml:"video_message_limit_mb"` // Larger videos are sent as files (default: 15)
	UploadLimitMB       int     `yaml:"upload_limit_mb"`        // Largest download accepted (default: 100)
	JobTimeout          string  `yaml:"job_timeout"`            // default: "10m"
}

// CacheConfig represents the in-memory caches
type CacheConfig struct {
	MessageStoreSize int    `yaml:"message_store_size"` // default: 1000
	MessageStoreTTL  string `yaml:"message_store_ttl"`  // default: "1h"
	RetrySize        int    `yaml:"retry_size"`         // default: 1000
	RetryTTL         string `yaml:"retry_ttl"`          // default: "5m"
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`         // debug, info, warn, error
	File         string `yaml:"file"`          // Log file path
	MaxSize      int    `yaml:"max_size"`      // Single file max size in MB (default: 100)
	MaxBackups   int    `yaml:"max_backups"`   // Number of backups to keep (default: 5)
	MaxAge       int    `yaml:"max_age"`       // Maximum days to retain (default: 30)
	Compress     *bool  `yaml:"compress"`      // Whether to compress old logs (default: true)
	EnableStdout *bool  `yaml:"enable_stdout"` // Also output to stdout (default: true)
}
