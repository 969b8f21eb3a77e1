package bot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/keepmind9/miaubot/internal/connection"
	"github.com/keepmind9/miaubot/internal/logger"
	"github.com/keepmind9/miaubot/pkg/constants"
	"github.com/sirupsen/logrus"
)

// maxTelegramDownload is the Bot API's getFile size limit.
const maxTelegramDownload = 20 * 1024 * 1024

// TelegramAPI is the subset of *tgbotapi.BotAPI the socket uses.
type TelegramAPI interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

var _ TelegramAPI = (*tgbotapi.BotAPI)(nil)

// TelegramConfig configures the Telegram backend.
type TelegramConfig struct {
	Token       string
	PollTimeout time.Duration
}

// TelegramDialer creates long polling sessions for a bot token.
type TelegramDialer struct {
	cfg TelegramConfig
	// newAPI authenticates the token and returns the bot's own user
	newAPI func(token string, client tgbotapi.HTTPClient) (TelegramAPI, tgbotapi.User, error)
}

// NewTelegramDialer creates a new Telegram dialer
func NewTelegramDialer(cfg TelegramConfig) *TelegramDialer {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = constants.DefaultPollTimeout
	}
	return &TelegramDialer{cfg: cfg, newAPI: newTelegramAPI}
}

func newTelegramAPI(token string, client tgbotapi.HTTPClient) (TelegramAPI, tgbotapi.User, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, tgbotapi.User{}, err
	}
	return bot, bot.Self, nil
}

// Dial implements connection.Dialer. The token is checked in Open.
func (d *TelegramDialer) Dial(ctx context.Context, opts connection.DialOptions) (connection.Socket, error) {
	sockCtx, cancel := context.WithCancel(context.Background())
	return &TelegramSocket{
		cfg:      d.cfg,
		newAPI:   d.newAPI,
		pump:     newEventPump(opts.Listener, defaultPumpSize),
		ctx:      sockCtx,
		cancel:   cancel,
		client: &contextClient{
			ctx:    sockCtx,
			client: &http.Client{Timeout: d.cfg.PollTimeout + 30*time.Second},
		},
	}, nil
}

// contextClient binds every Bot API request to the socket's lifetime, so
// Close aborts an in-flight long poll.
type contextClient struct {
	ctx    context.Context
	client *http.Client
}

func (c *contextClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

// TelegramSocket is one long polling session.
type TelegramSocket struct {
	cfg      TelegramConfig
	newAPI   func(token string, client tgbotapi.HTTPClient) (TelegramAPI, tgbotapi.User, error)
	pump     *eventPump
	client   *contextClient

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	api    TelegramAPI
	self   tgbotapi.User
	offset int

	closed atomic.Bool
	wg     sync.WaitGroup
}

func (t *TelegramSocket) Platform() string { return PlatformTelegram }

func (t *TelegramSocket) SelfID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.self.ID == 0 {
		return ""
	}
	return strconv.FormatInt(t.self.ID, 10)
}

// Registered is always true: bot tokens need no pairing.
func (t *TelegramSocket) Registered() bool { return true }

// SaveCredentials is a no-op; the token lives in the configuration.
func (t *TelegramSocket) SaveCredentials(ctx context.Context) error { return nil }

// Open authenticates the token and starts long polling.
func (t *TelegramSocket) Open(ctx context.Context) error {
	if t.closed.Load() {
		return connection.ErrClosed
	}

	logger.WithFields(logrus.Fields{
		"component": "telegram",
		"token":     MaskSecret(t.cfg.Token),
	}).Info("starting-telegram-long-polling")

	api, self, err := t.newAPI(t.cfg.Token, t.client)
	if err != nil {
		reason := connection.CloseReason{Code: telegramStatus(err), Err: err}
		if !connection.Classify(reason.Code).Retry() {
			return &connection.CloseError{Reason: reason}
		}
		return fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}

	t.mu.Lock()
	t.api = api
	t.self = self
	t.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"component":    "telegram",
		"bot_username": self.UserName,
		"bot_id":       self.ID,
	}).Info("telegram-bot-initialized-successfully")

	t.pump.start()
	t.emit(connection.EventOpen{})

	t.wg.Add(1)
	go t.poll()
	return nil
}

func (t *TelegramSocket) emit(ev connection.Event) {
	if t.closed.Load() {
		return
	}
	t.pump.emit(ev)
}

func (t *TelegramSocket) poll() {
	defer t.wg.Done()

	for {
		if t.ctx.Err() != nil {
			return
		}

		t.mu.RLock()
		api := t.api
		u := tgbotapi.NewUpdate(t.offset)
		t.mu.RUnlock()
		u.Timeout = int(t.cfg.PollTimeout.Seconds())

		updates, err := api.GetUpdates(u)
		if t.ctx.Err() != nil {
			logger.WithField("component", "telegram").Info("telegram-long-polling-stopped")
			return
		}
		if err != nil {
			code := telegramStatus(err)
			logger.WithFields(logrus.Fields{
				"component": "telegram",
				"code":      int(code),
				"error":     err,
			}).Warn("telegram-long-polling-failed")
			t.emit(connection.EventClosed{Reason: connection.CloseReason{Code: code, Err: err}})
			return
		}

		var msgs []connection.Message
		for _, update := range updates {
			t.mu.Lock()
			if update.UpdateID >= t.offset {
				t.offset = update.UpdateID + 1
			}
			t.mu.Unlock()

			if msg, ok := convertTelegramMessage(update.Message); ok {
				msgs = append(msgs, msg)
			}
		}
		if len(msgs) > 0 {
			t.emit(connection.EventMessages{Messages: msgs})
		}
	}
}

func convertTelegramMessage(m *tgbotapi.Message) (connection.Message, bool) {
	if m == nil || m.Chat == nil {
		return connection.Message{}, false
	}
	if m.From != nil && m.From.IsBot {
		return connection.Message{}, false
	}

	msg := connection.Message{
		ID:        strconv.Itoa(m.MessageID),
		Chat:      strconv.FormatInt(m.Chat.ID, 10),
		Text:      m.Text,
		IsGroup:   m.Chat.IsGroup() || m.Chat.IsSuperGroup(),
		HasMedia:  len(m.Photo) > 0 || m.Video != nil || m.Document != nil || m.Sticker != nil || m.Animation != nil,
		Timestamp: m.Time(),
		Raw:       m,
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	if m.From != nil {
		msg.Sender = strconv.FormatInt(m.From.ID, 10)
		msg.PushName = m.From.UserName
		if msg.PushName == "" {
			msg.PushName = m.From.FirstName
		}
	}
	if m.ReplyToMessage != nil {
		if quoted, ok := convertTelegramMessage(m.ReplyToMessage); ok {
			msg.Quoted = &quoted
		}
	}
	return msg, true
}

// telegramStatus maps Bot API and transport errors onto close statuses.
func telegramStatus(err error) connection.StatusCode {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusNotFound:
			return connection.StatusLoggedOut
		case apiErr.Code == http.StatusForbidden:
			return connection.StatusForbidden
		case apiErr.Code == http.StatusConflict:
			// another getUpdates consumer or a webhook took over
			return connection.StatusConnectionReplaced
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500:
			return connection.StatusUnavailableService
		default:
			return connection.StatusCode(apiErr.Code)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return connection.StatusTimedOut
	}
	return connection.StatusConnectionLost
}

// Close stops long polling and aborts an in-flight request.
func (t *TelegramSocket) Close(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.cancel()
	t.pump.stop()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.WithField("component", "telegram").Info("telegram-bot-stopped")
	return nil
}

func (t *TelegramSocket) apiFor(chat string) (TelegramAPI, int64, error) {
	if t.closed.Load() {
		return nil, 0, connection.ErrClosed
	}
	t.mu.RLock()
	api := t.api
	t.mu.RUnlock()
	if api == nil {
		return nil, 0, connection.ErrNotConnected
	}
	if chat == "" {
		return nil, 0, errors.New("chat ID is required for Telegram")
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid chat ID format: %w", err)
	}
	return api, chatID, nil
}

// SendText sends text to a Telegram chat, split at the message limit
func (t *TelegramSocket) SendText(ctx context.Context, chat, text string) error {
	api, chatID, err := t.apiFor(chat)
	if err != nil {
		return err
	}
	for _, chunk := range splitMessage(text, constants.MaxTelegramMessageLength) {
		if _, err := api.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			logger.WithFields(logrus.Fields{
				"chat_id": chat,
				"error":   err,
			}).Error("failed-to-send-message-to-telegram")
			return fmt.Errorf("failed to send message to chat %s: %w", chat, err)
		}
	}
	logger.WithField("chat_id", chat).Debug("message-sent-to-telegram")
	return nil
}

// SendMedia uploads a local file to a Telegram chat
func (t *TelegramSocket) SendMedia(ctx context.Context, chat string, media connection.Media) error {
	api, chatID, err := t.apiFor(chat)
	if err != nil {
		return err
	}

	file := tgbotapi.FilePath(media.Path)
	var c tgbotapi.Chattable
	switch media.Kind {
	case connection.MediaAudio:
		cfg := tgbotapi.NewAudio(chatID, file)
		cfg.Caption = media.Caption
		c = cfg
	case connection.MediaVideo:
		cfg := tgbotapi.NewVideo(chatID, file)
		cfg.Caption = media.Caption
		c = cfg
	case connection.MediaSticker:
		c = tgbotapi.NewSticker(chatID, file)
	default:
		cfg := tgbotapi.NewDocument(chatID, file)
		cfg.Caption = media.Caption
		c = cfg
	}

	if _, err := api.Send(c); err != nil {
		return fmt.Errorf("failed to send %s %s to chat %s: %w", media.Kind, filepath.Base(media.Path), chat, err)
	}
	return nil
}

// DownloadMedia fetches the photo, video, sticker or document of msg.
func (t *TelegramSocket) DownloadMedia(ctx context.Context, msg connection.Message) ([]byte, string, error) {
	m, ok := msg.Raw.(*tgbotapi.Message)
	if !ok || m == nil {
		return nil, "", errors.New("message carries no telegram payload")
	}
	t.mu.RLock()
	api := t.api
	t.mu.RUnlock()
	if api == nil {
		return nil, "", connection.ErrNotConnected
	}

	var fileID, mimeType string
	switch {
	case len(m.Photo) > 0:
		fileID, mimeType = m.Photo[len(m.Photo)-1].FileID, "image/jpeg"
	case m.Video != nil:
		fileID, mimeType = m.Video.FileID, m.Video.MimeType
	case m.Animation != nil:
		fileID, mimeType = m.Animation.FileID, m.Animation.MimeType
	case m.Sticker != nil:
		fileID, mimeType = m.Sticker.FileID, "image/webp"
	case m.Document != nil:
		fileID, mimeType = m.Document.FileID, m.Document.MimeType
	default:
		return nil, "", errors.New("message has no downloadable media")
	}

	url, err := api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve telegram file: %w", err)
	}
	data, detected, err := downloadURL(ctx, t.client.client, url, maxTelegramDownload)
	if err != nil {
		return nil, "", err
	}
	if mimeType == "" {
		mimeType = detected
	}
	return data, mimeType, nil
}
