package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/keepmind9/miaubot/internal/bot"
	"github.com/keepmind9/miaubot/internal/cache"
	"github.com/keepmind9/miaubot/internal/connection"
	"github.com/keepmind9/miaubot/internal/i18n"
	"github.com/keepmind9/miaubot/internal/logger"
	"github.com/keepmind9/miaubot/pkg/constants"
	"github.com/sirupsen/logrus"
)

// Backend is a configured chat backend: its dialer plus the pairing flow
// for backends that pair by code.
type Backend struct {
	Dialer connection.Dialer
	Pairer connection.Pairer
}

// NewBackend builds the dialer selected by config.Backend
func NewBackend(config *Config) (*Backend, error) {
	switch config.Backend {
	case bot.PlatformWhatsApp:
		return &Backend{
			Dialer: bot.NewWhatsAppDialer(bot.WhatsAppConfig{
				StorePath:      config.WhatsApp.StorePath,
				RetryCacheSize: config.Cache.RetrySize,
				RetryCacheTTL:  mustDuration(config.Cache.RetryTTL),
			}),
			Pairer: bot.NewQRPairer(config.WhatsApp.QRImage),
		}, nil
	case bot.PlatformDiscord:
		return &Backend{
			Dialer: bot.NewDiscordDialer(bot.DiscordConfig{
				Token:     config.Discord.Token,
				ChannelID: config.Discord.ChannelID,
			}),
		}, nil
	case bot.PlatformTelegram:
		return &Backend{
			Dialer: bot.NewTelegramDialer(bot.TelegramConfig{
				Token:       config.Telegram.Token,
				PollTimeout: mustDuration(config.Telegram.PollTimeout),
			}),
		}, nil
	}
	return nil, fmt.Errorf("unsupported backend %q", config.Backend)
}

// Close releases resources held by the dialer, such as the WhatsApp store
func (b *Backend) Close() error {
	if closer, ok := b.Dialer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Engine is the core message engine: it filters inbound messages and runs
// chat commands over the managed connection.
type Engine struct {
	config  *Config
	manager *connection.Manager
	backend *Backend
	router  *Router
	filter  *Filter
	tr      *i18n.Translator
	// store records processed messages and drops redeliveries
	store *cache.TTLCache[string, connection.Message]

	stopOnce sync.Once
}

// NewEngine creates a new Engine instance over an already built backend.
// pipeline may be nil, in which case the media commands are not registered.
func NewEngine(config *Config, backend *Backend, pipeline MediaPipeline) (*Engine, error) {
	filter, err := NewFilter(config.Filter)
	if err != nil {
		return nil, err
	}

	tr := i18n.New(config.Bot.Language)
	router := NewRouter(config.Bot.Prefix, tr)
	if pipeline != nil {
		RegisterBuiltinCommands(router, pipeline, config.Bot.Name)
	}

	e := &Engine{
		config:  config,
		manager: connection.NewManager(config.ConnectionSettings(), backend.Dialer, backend.Pairer),
		backend: backend,
		router:  router,
		filter:  filter,
		tr:      tr,
		store: cache.New[string, connection.Message]("message-store",
			config.Cache.MessageStoreSize, mustDuration(config.Cache.MessageStoreTTL)),
	}
	e.manager.OnMessage(e.HandleMessage)
	return e, nil
}

// Router exposes the command router for registering extra commands
func (e *Engine) Router() *Router {
	return e.router
}

// Manager returns the connection manager
func (e *Engine) Manager() *connection.Manager {
	return e.manager
}

// Run connects and processes messages until ctx is cancelled or the
// connection manager gives up reconnecting
func (e *Engine) Run(ctx context.Context) error {
	logger.WithFields(logrus.Fields{
		"bot":      e.config.Bot.Name,
		"backend":  e.config.Backend,
		"prefix":   e.config.Bot.Prefix,
		"language": e.tr.Language(),
	}).Info("starting-miaubot-engine")

	if _, err := e.manager.Connect(ctx); err != nil {
		e.Stop()
		return fmt.Errorf("failed to connect: %w", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("engine-shutting-down")
		e.Stop()
		return nil
	case err := <-e.manager.Fatal():
		logger.WithFields(logrus.Fields{
			"error":    err,
			"attempts": e.manager.Attempts(),
		}).Error("connection-lost-permanently")
		e.Stop()
		return err
	}
}

// HandleMessage is the connection handler for every inbound message
func (e *Engine) HandleMessage(ctx context.Context, sock connection.Socket, msg connection.Message) error {
	platform := sock.Platform()
	log := logger.WithFields(logrus.Fields{
		"platform":   platform,
		"chat":       msg.Chat,
		"message_id": msg.ID,
	})

	if skip, reason := e.filter.Skip(platform, sock.SelfID(), msg); skip {
		log.WithField("reason", reason).Debug("message-ignored")
		return nil
	}

	if msg.ID != "" {
		key := platform + ":" + msg.Chat + ":" + msg.ID
		if e.store.Contains(key) {
			log.Debug("duplicate-message-ignored")
			return nil
		}
		e.store.Add(key, msg)
	}

	if msg.Text == "" {
		return nil
	}

	if e.router.IsCommand(msg.Text) {
		e.router.Dispatch(ctx, sock, msg)
		return nil
	}

	log.WithFields(logrus.Fields{
		"from":      msg.Sender,
		"name":      msg.PushName,
		"group":     msg.IsGroup,
		"time":      msg.Timestamp.Format(time.RFC3339),
		"has_media": msg.HasMedia,
	}).Info("message-received")
	return nil
}

// Stop disconnects and releases the backend. It is safe to call twice.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		logger.Info("stopping-miaubot-engine")

		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultCloseTimeout)
		defer cancel()
		e.manager.Close(ctx)

		if err := e.backend.Close(); err != nil {
			logger.WithField("error", err).Error("failed-to-close-backend")
		}
		e.store.Purge()
		logger.Info("engine-stopped")
	})
}

// HasPairedDevice reports whether the WhatsApp store holds credentials.
// Token backends always report true.
func HasPairedDevice(ctx context.Context, config *Config) (bool, string, error) {
	if config.Backend != bot.PlatformWhatsApp {
		return true, "", nil
	}
	if _, err := os.Stat(config.WhatsApp.StorePath); os.IsNotExist(err) {
		return false, "", nil
	}
	dialer := bot.NewWhatsAppDialer(bot.WhatsAppConfig{StorePath: config.WhatsApp.StorePath})
	defer dialer.Close()

	device, err := dialer.Device(ctx)
	if err != nil {
		return false, "", err
	}
	if device.ID == nil {
		return false, "", nil
	}
	return true, device.ID.ToNonAD().String(), nil
}

// LogoutDevice unlinks the stored WhatsApp device from the phone
func LogoutDevice(ctx context.Context, config *Config) error {
	if config.Backend != bot.PlatformWhatsApp {
		return fmt.Errorf("logout is only supported for the whatsapp backend (configured: %s)", config.Backend)
	}
	dialer := bot.NewWhatsAppDialer(bot.WhatsAppConfig{StorePath: config.WhatsApp.StorePath})
	defer dialer.Close()
	return dialer.LogoutDevice(ctx)
}
