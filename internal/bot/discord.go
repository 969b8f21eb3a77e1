package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/keepmind9/miaubot/internal/connection"
	"github.com/keepmind9/miaubot/internal/logger"
	"github.com/keepmind9/miaubot/pkg/constants"
	"github.com/sirupsen/logrus"
)

// maxDiscordAttachment bounds attachment downloads (Discord's free tier limit).
const maxDiscordAttachment = 25 * 1024 * 1024

var errDiscordDisconnected = errors.New("discord gateway disconnected")

// DiscordSessionInterface defines the interface we need from discordgo.Session
// This allows us to mock it in tests without depending on concrete types
type DiscordSessionInterface interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelFileSendWithMessage(channelID, content string, name string, r io.Reader, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordConfig configures the Discord backend.
type DiscordConfig struct {
	Token string
	// ChannelID, when set, restricts the bot to one channel
	ChannelID string
}

// DiscordDialer creates gateway sessions for a bot token.
type DiscordDialer struct {
	cfg        DiscordConfig
	newSession func(token string) (DiscordSessionInterface, error)
	httpClient *http.Client
}

// NewDiscordDialer creates a new Discord dialer
func NewDiscordDialer(cfg DiscordConfig) *DiscordDialer {
	return &DiscordDialer{
		cfg:        cfg,
		newSession: newDiscordSession,
		httpClient: http.DefaultClient,
	}
}

func newDiscordSession(token string) (DiscordSessionInterface, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	// Recovery belongs to the connection manager
	session.ShouldReconnectOnError = false
	session.SyncEvents = true
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return session, nil
}

// Dial implements connection.Dialer.
func (d *DiscordDialer) Dial(ctx context.Context, opts connection.DialOptions) (connection.Socket, error) {
	logger.WithFields(logrus.Fields{
		"component": "discord",
		"token":     MaskSecret(d.cfg.Token),
		"channel":   d.cfg.ChannelID,
	}).Debug("creating-discord-session")

	session, err := d.newSession(d.cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	return &DiscordSocket{
		session:    session,
		channelID:  d.cfg.ChannelID,
		pump:       newEventPump(opts.Listener, defaultPumpSize),
		httpClient: d.httpClient,
	}, nil
}

// DiscordSocket is one gateway session.
type DiscordSocket struct {
	session    DiscordSessionInterface
	channelID  string
	pump       *eventPump
	httpClient *http.Client

	mu      sync.RWMutex
	selfID  string
	removes []func()

	closing atomic.Bool
}

func (d *DiscordSocket) Platform() string { return PlatformDiscord }

func (d *DiscordSocket) SelfID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.selfID
}

// Registered is always true: bot tokens need no pairing.
func (d *DiscordSocket) Registered() bool { return true }

// SaveCredentials is a no-op; the token lives in the configuration.
func (d *DiscordSocket) SaveCredentials(ctx context.Context) error { return nil }

func (d *DiscordSocket) Open(ctx context.Context) error {
	if d.closing.Load() {
		return connection.ErrClosed
	}

	d.mu.Lock()
	d.removes = append(d.removes,
		d.session.AddHandler(d.onReady),
		d.session.AddHandler(d.onDisconnect),
		d.session.AddHandler(d.onMessageCreate),
	)
	d.mu.Unlock()

	d.pump.start()
	if err := d.session.Open(); err != nil {
		d.pump.stop()
		d.removeHandlers()
		if reason, ok := discordOpenFailure(err); ok {
			return &connection.CloseError{Reason: reason}
		}
		return fmt.Errorf("failed to open discord connection: %w", err)
	}
	return nil
}

func (d *DiscordSocket) Close(ctx context.Context) error {
	if d.closing.Swap(true) {
		return nil
	}
	d.pump.stop()
	d.removeHandlers()
	if err := d.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

func (d *DiscordSocket) removeHandlers() {
	d.mu.Lock()
	removes := d.removes
	d.removes = nil
	d.mu.Unlock()
	for _, remove := range removes {
		remove()
	}
}

func (d *DiscordSocket) onReady(s *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		d.mu.Lock()
		d.selfID = r.User.ID
		d.mu.Unlock()
	}
	logger.WithFields(logrus.Fields{
		"component": "discord",
		"self":      d.SelfID(),
		"guilds":    len(r.Guilds),
	}).Info("discord-gateway-ready")
	d.pump.emit(connection.EventOpen{})
}

func (d *DiscordSocket) onDisconnect(s *discordgo.Session, _ *discordgo.Disconnect) {
	if d.closing.Load() {
		return
	}
	d.pump.emit(connection.EventClosed{Reason: connection.CloseReason{
		Code: connection.StatusConnectionLost,
		Err:  errDiscordDisconnected,
	}})
}

func (d *DiscordSocket) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}
	// Ignore messages from bots, ourselves included
	if m.Author.Bot || m.Author.ID == d.SelfID() {
		return
	}
	if d.channelID != "" && m.ChannelID != d.channelID {
		return
	}

	logger.WithFields(logrus.Fields{
		"platform": "discord",
		"user_id":  m.Author.ID,
		"username": m.Author.Username,
		"channel":  m.ChannelID,
	}).Debug("received-discord-message")

	d.pump.emit(connection.EventMessages{Messages: []connection.Message{convertDiscordMessage(m.Message)}})
}

func convertDiscordMessage(m *discordgo.Message) connection.Message {
	msg := connection.Message{
		ID:        m.ID,
		Chat:      m.ChannelID,
		Text:      m.Content,
		IsGroup:   m.GuildID != "",
		HasMedia:  len(m.Attachments) > 0,
		Timestamp: m.Timestamp,
		Raw:       m,
	}
	if m.Author != nil {
		msg.Sender = m.Author.ID
		msg.PushName = m.Author.Username
	}
	if ref := m.ReferencedMessage; ref != nil {
		quoted := convertDiscordMessage(ref)
		msg.Quoted = &quoted
	}
	return msg
}

// discordOpenFailure maps gateway close codes seen during Open.
func discordOpenFailure(err error) (connection.CloseReason, bool) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return connection.CloseReason{Code: discordCloseStatus(closeErr.Code), Err: err}, true
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return connection.CloseReason{Code: connection.StatusLoggedOut, Err: err}, true
		case http.StatusForbidden:
			return connection.CloseReason{Code: connection.StatusForbidden, Err: err}, true
		}
	}
	return connection.CloseReason{}, false
}

// discordCloseStatus maps Discord gateway close codes onto close statuses.
func discordCloseStatus(code int) connection.StatusCode {
	switch code {
	case 4004: // authentication failed
		return connection.StatusLoggedOut
	case 4010, 4011, 4012, 4013, 4014: // shard, version or intents refused
		return connection.StatusForbidden
	case 4007, 4009: // invalid sequence, session timed out
		return connection.StatusRestartRequired
	case 4000, 4008, websocket.CloseAbnormalClosure, websocket.CloseGoingAway:
		return connection.StatusConnectionClosed
	default:
		return connection.StatusCode(code)
	}
}

func (d *DiscordSocket) target(channel string) (string, error) {
	if channel == "" {
		channel = d.channelID
	}
	if channel == "" {
		return "", errors.New("channel ID is required for Discord")
	}
	return channel, nil
}

// SendText sends text to a Discord channel, split at the message limit
func (d *DiscordSocket) SendText(ctx context.Context, channel, text string) error {
	if d.closing.Load() {
		return connection.ErrClosed
	}
	target, err := d.target(channel)
	if err != nil {
		return err
	}

	for _, chunk := range splitMessage(text, constants.MaxDiscordMessageLength) {
		if _, err := d.session.ChannelMessageSend(target, chunk, discordgo.WithContext(ctx)); err != nil {
			logger.WithFields(logrus.Fields{
				"channel": target,
				"error":   err,
			}).Error("failed-to-send-message-to-discord")
			return fmt.Errorf("failed to send message to channel %s: %w", target, err)
		}
	}

	logger.WithField("channel", target).Debug("message-sent-to-discord")
	return nil
}

// SendMedia uploads a file as an attachment with an optional caption
func (d *DiscordSocket) SendMedia(ctx context.Context, channel string, media connection.Media) error {
	if d.closing.Load() {
		return connection.ErrClosed
	}
	target, err := d.target(channel)
	if err != nil {
		return err
	}

	f, err := os.Open(media.Path)
	if err != nil {
		return fmt.Errorf("failed to open media %s: %w", media.Path, err)
	}
	defer f.Close()

	name := media.FileName
	if name == "" {
		name = filepath.Base(media.Path)
	}
	if _, err := d.session.ChannelFileSendWithMessage(target, media.Caption, name, f, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send %s to channel %s: %w", media.Kind, target, err)
	}
	return nil
}

// DownloadMedia fetches the first attachment of msg.
func (d *DiscordSocket) DownloadMedia(ctx context.Context, msg connection.Message) ([]byte, string, error) {
	m, ok := msg.Raw.(*discordgo.Message)
	if !ok || m == nil || len(m.Attachments) == 0 {
		return nil, "", errors.New("message has no attachment")
	}
	att := m.Attachments[0]
	if att.Size > maxDiscordAttachment {
		return nil, "", fmt.Errorf("attachment %s is %d bytes", att.Filename, att.Size)
	}
	data, mimeType, err := downloadURL(ctx, d.httpClient, att.URL, maxDiscordAttachment)
	if err != nil {
		return nil, "", err
	}
	if att.ContentType != "" {
		mimeType = att.ContentType
	}
	return data, mimeType, nil
}
