package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keepmind9/miaubot/internal/cache"
	"github.com/keepmind9/miaubot/internal/connection"
	"github.com/keepmind9/miaubot/internal/logger"
	"github.com/keepmind9/miaubot/pkg/constants"
	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// whatsAppClient is the subset of *whatsmeow.Client the socket uses.
type whatsAppClient interface {
	Connect() error
	Disconnect()
	Logout(ctx context.Context) error
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
	SendPresence(state types.Presence) error
}

var _ whatsAppClient = (*whatsmeow.Client)(nil)

// WhatsAppConfig configures the WhatsApp backend.
type WhatsAppConfig struct {
	StorePath      string
	RetryCacheSize int
	RetryCacheTTL  time.Duration
}

// WhatsAppDialer creates whatsmeow sessions sharing one credential store
// and one cache of sent messages for retry receipts.
type WhatsAppDialer struct {
	cfg WhatsAppConfig

	mu        sync.Mutex
	container *sqlstore.Container

	sent *cache.TTLCache[string, *waE2E.Message]
}

// NewWhatsAppDialer creates a dialer. The store is opened on first Dial.
func NewWhatsAppDialer(cfg WhatsAppConfig) *WhatsAppDialer {
	if cfg.StorePath == "" {
		cfg.StorePath = constants.DefaultWhatsAppStore
	}
	if cfg.RetryCacheSize <= 0 {
		cfg.RetryCacheSize = cache.DefaultRetrySize
	}
	if cfg.RetryCacheTTL <= 0 {
		cfg.RetryCacheTTL = cache.DefaultRetryTTL
	}
	return &WhatsAppDialer{
		cfg:  cfg,
		sent: cache.New[string, *waE2E.Message]("whatsapp-retry", cfg.RetryCacheSize, cfg.RetryCacheTTL),
	}
}

func (d *WhatsAppDialer) store(ctx context.Context) (*sqlstore.Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.container != nil {
		return d.container, nil
	}
	container, err := openWhatsAppStore(ctx, d.cfg.StorePath)
	if err != nil {
		return nil, err
	}
	d.container = container
	return container, nil
}

// Device returns the stored device, or a fresh unregistered one.
func (d *WhatsAppDialer) Device(ctx context.Context) (*store.Device, error) {
	container, err := d.store(ctx)
	if err != nil {
		return nil, err
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load whatsapp device: %w", err)
	}
	return device, nil
}

// Dial implements connection.Dialer.
func (d *WhatsAppDialer) Dial(ctx context.Context, opts connection.DialOptions) (connection.Socket, error) {
	device, err := d.Device(ctx)
	if err != nil {
		return nil, err
	}

	client := whatsmeow.NewClient(device, newWALogger("client"))
	client.EnableAutoReconnect = false

	sock := newWhatsAppSocket(client, device, opts, d.sent)
	client.GetMessageForRetry = func(requester, to types.JID, id types.MessageID) *waE2E.Message {
		return sock.messageForRetry(string(id))
	}
	client.AddEventHandler(sock.handleEvent)

	logger.WithFields(logrus.Fields{
		"component":  "whatsapp",
		"store":      d.cfg.StorePath,
		"registered": sock.Registered(),
	}).Debug("whatsapp-session-created")
	return sock, nil
}

// ErrNotPaired is returned when an operation needs a paired device.
var ErrNotPaired = errors.New("no paired whatsapp device")

// LogoutDevice connects with the stored credentials and unlinks them from
// the phone.
func (d *WhatsAppDialer) LogoutDevice(ctx context.Context) error {
	opened := make(chan struct{})
	failed := make(chan connection.CloseReason, 1)
	var once sync.Once

	sock, err := d.Dial(ctx, connection.DialOptions{
		Listener: func(ev connection.Event) {
			switch e := ev.(type) {
			case connection.EventOpen:
				once.Do(func() { close(opened) })
			case connection.EventClosed:
				select {
				case failed <- e.Reason:
				default:
				}
			}
		},
	})
	if err != nil {
		return err
	}
	if !sock.Registered() {
		return ErrNotPaired
	}
	if err := sock.Open(ctx); err != nil {
		return err
	}

	select {
	case <-opened:
	case reason := <-failed:
		_ = sock.Close(ctx)
		return fmt.Errorf("whatsapp session closed before logout: %s", reason)
	case <-ctx.Done():
		_ = sock.Close(context.Background())
		return ctx.Err()
	}
	return sock.(connection.Logouter).Logout(ctx)
}

// Close releases the credential store.
func (d *WhatsAppDialer) Close() error {
	d.mu.Lock()
	container := d.container
	d.container = nil
	d.mu.Unlock()

	if closer, ok := interface{}(container).(io.Closer); ok && container != nil {
		return closer.Close()
	}
	return nil
}

// WhatsAppSocket is one whatsmeow session.
type WhatsAppSocket struct {
	client     whatsAppClient
	device     *store.Device
	save       func(ctx context.Context) error
	pump       *eventPump
	markOnline bool
	sent       *cache.TTLCache[string, *waE2E.Message]

	closed atomic.Bool
	ended  atomic.Bool
}

func newWhatsAppSocket(client whatsAppClient, device *store.Device, opts connection.DialOptions, sent *cache.TTLCache[string, *waE2E.Message]) *WhatsAppSocket {
	s := &WhatsAppSocket{
		client:     client,
		device:     device,
		pump:       newEventPump(opts.Listener, defaultPumpSize),
		markOnline: opts.MarkOnline,
		sent:       sent,
	}
	s.save = func(ctx context.Context) error {
		return s.device.Save(ctx)
	}
	return s
}

func (s *WhatsAppSocket) Platform() string { return PlatformWhatsApp }

func (s *WhatsAppSocket) SelfID() string {
	if s.device == nil || s.device.ID == nil {
		return ""
	}
	return s.device.ID.ToNonAD().String()
}

func (s *WhatsAppSocket) Registered() bool {
	return s.device != nil && s.device.ID != nil
}

// PairingCodes streams QR payloads until pairing succeeds, the codes run
// out or ctx ends. It must be called before Open.
func (s *WhatsAppSocket) PairingCodes(ctx context.Context) (<-chan string, error) {
	items, err := s.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get whatsapp qr channel: %w", err)
	}

	codes := make(chan string)
	go func() {
		defer close(codes)
		last := whatsmeow.QRChannelTimeout
		for item := range items {
			log := logger.WithFields(logrus.Fields{
				"component": "whatsapp",
				"event":     item.Event,
			})
			if item.Event != whatsmeow.QRChannelEventCode {
				if item.Error != nil {
					log = log.WithField("error", item.Error)
				}
				log.Info("whatsapp-pairing-finished")
				last = item
				continue
			}
			log.WithField("timeout", item.Timeout.String()).Debug("whatsapp-pairing-code-received")
			select {
			case codes <- item.Code:
			case <-ctx.Done():
				return
			}
		}
		if last.Event == whatsmeow.QRChannelSuccess.Event || ctx.Err() != nil {
			return
		}
		s.endPairing(last)
	}()
	return codes, nil
}

// endPairing reports a pairing that did not succeed as a close. whatsmeow
// disconnects after the last code without emitting Disconnected.
func (s *WhatsAppSocket) endPairing(item whatsmeow.QRChannelItem) {
	if s.closed.Load() || s.ended.Swap(true) {
		return
	}
	ev := pairingClosedEvent(item)
	logger.WithFields(logrus.Fields{
		"component": "whatsapp",
		"event":     item.Event,
	}).Warn("whatsapp-pairing-ended-without-success")
	s.client.Disconnect()
	s.pump.emit(ev)
}

func (s *WhatsAppSocket) Open(ctx context.Context) error {
	if s.closed.Load() {
		return connection.ErrClosed
	}
	s.pump.start()
	if err := s.client.Connect(); err != nil {
		s.pump.stop()
		return fmt.Errorf("failed to connect to whatsapp: %w", err)
	}
	return nil
}

func (s *WhatsAppSocket) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.pump.stop()
	s.client.Disconnect()
	return nil
}

// Logout unlinks the device from the phone and deletes local credentials.
func (s *WhatsAppSocket) Logout(ctx context.Context) error {
	if s.closed.Swap(true) {
		return connection.ErrClosed
	}
	s.pump.stop()
	if err := s.client.Logout(ctx); err != nil {
		s.client.Disconnect()
		return fmt.Errorf("failed to logout whatsapp device: %w", err)
	}
	return nil
}

func (s *WhatsAppSocket) SaveCredentials(ctx context.Context) error {
	if s.device == nil {
		return errors.New("no whatsapp device")
	}
	if err := s.save(ctx); err != nil {
		return fmt.Errorf("failed to save whatsapp device: %w", err)
	}
	return nil
}

func (s *WhatsAppSocket) handleEvent(evt any) {
	if s.closed.Load() || s.ended.Load() {
		return
	}

	switch evt.(type) {
	case *events.Connected:
		if s.markOnline {
			go s.markAvailable()
		}
	case *events.KeepAliveTimeout:
		logger.WithField("component", "whatsapp").Warn("whatsapp-keepalive-timeout")
	}

	ev, ok := translateWhatsAppEvent(evt)
	if !ok {
		logger.WithFields(logrus.Fields{
			"component": "whatsapp",
			"event":     fmt.Sprintf("%T", evt),
		}).Debug("ignoring-whatsapp-event")
		return
	}
	if _, isClose := ev.(connection.EventClosed); isClose {
		s.ended.Store(true)
	}
	s.pump.emit(ev)
}

func (s *WhatsAppSocket) markAvailable() {
	if err := s.client.SendPresence(types.PresenceAvailable); err != nil {
		logger.WithFields(logrus.Fields{
			"component": "whatsapp",
			"error":     err,
		}).Warn("failed-to-mark-whatsapp-online")
	}
}

func (s *WhatsAppSocket) messageForRetry(id string) *waE2E.Message {
	m, ok := s.sent.Get(id)
	logger.WithFields(logrus.Fields{
		"component":  "whatsapp",
		"message_id": id,
		"found":      ok,
	}).Debug("whatsapp-retry-receipt")
	if !ok {
		return nil
	}
	return m
}

func (s *WhatsAppSocket) send(ctx context.Context, chat string, m *waE2E.Message) error {
	if s.closed.Load() {
		return connection.ErrClosed
	}
	jid, err := types.ParseJID(chat)
	if err != nil {
		return fmt.Errorf("invalid whatsapp chat %q: %w", chat, err)
	}
	resp, err := s.client.SendMessage(ctx, jid, m)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"component": "whatsapp",
			"chat":      chat,
			"error":     err,
		}).Error("failed-to-send-message-to-whatsapp")
		return fmt.Errorf("failed to send message to %s: %w", chat, err)
	}
	s.sent.Add(string(resp.ID), m)
	logger.WithFields(logrus.Fields{
		"component":  "whatsapp",
		"chat":       chat,
		"message_id": string(resp.ID),
	}).Debug("message-sent-to-whatsapp")
	return nil
}

func (s *WhatsAppSocket) SendText(ctx context.Context, chat, text string) error {
	for _, chunk := range splitMessage(text, constants.MaxWhatsAppMessageLength) {
		if err := s.send(ctx, chat, &waE2E.Message{Conversation: proto.String(chunk)}); err != nil {
			return err
		}
	}
	return nil
}

func (s *WhatsAppSocket) SendMedia(ctx context.Context, chat string, media connection.Media) error {
	data, err := os.ReadFile(media.Path)
	if err != nil {
		return fmt.Errorf("failed to read media %s: %w", media.Path, err)
	}

	var mediaType whatsmeow.MediaType
	switch media.Kind {
	case connection.MediaAudio:
		mediaType = whatsmeow.MediaAudio
	case connection.MediaVideo:
		mediaType = whatsmeow.MediaVideo
	case connection.MediaDocument:
		mediaType = whatsmeow.MediaDocument
	case connection.MediaSticker:
		mediaType = whatsmeow.MediaImage
	default:
		return fmt.Errorf("unsupported media kind %s", media.Kind)
	}

	up, err := s.client.Upload(ctx, data, mediaType)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", media.Kind, err)
	}
	return s.send(ctx, chat, buildWhatsAppMediaMessage(media, up))
}

func buildWhatsAppMediaMessage(media connection.Media, up whatsmeow.UploadResponse) *waE2E.Message {
	mimeType := media.MimeType
	switch media.Kind {
	case connection.MediaAudio:
		if mimeType == "" {
			mimeType = "audio/ogg; codecs=opus"
		}
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case connection.MediaVideo:
		if mimeType == "" {
			mimeType = "video/mp4"
		}
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mimeType),
			Caption:       proto.String(media.Caption),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case connection.MediaSticker:
		return &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String("image/webp"),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	default:
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		name := media.FileName
		if name == "" {
			name = filepath.Base(media.Path)
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileName:      proto.String(name),
			Caption:       proto.String(media.Caption),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
}

// DownloadMedia fetches the image, video or sticker carried by msg.
func (s *WhatsAppSocket) DownloadMedia(ctx context.Context, msg connection.Message) ([]byte, string, error) {
	m := rawWhatsAppMessage(msg.Raw)
	if m == nil {
		return nil, "", errors.New("message carries no whatsapp payload")
	}

	var (
		target   whatsmeow.DownloadableMessage
		mimeType string
	)
	switch {
	case m.GetImageMessage() != nil:
		target, mimeType = m.GetImageMessage(), m.GetImageMessage().GetMimetype()
	case m.GetVideoMessage() != nil:
		target, mimeType = m.GetVideoMessage(), m.GetVideoMessage().GetMimetype()
	case m.GetStickerMessage() != nil:
		target, mimeType = m.GetStickerMessage(), m.GetStickerMessage().GetMimetype()
	case m.GetDocumentMessage() != nil:
		target, mimeType = m.GetDocumentMessage(), m.GetDocumentMessage().GetMimetype()
	default:
		return nil, "", errors.New("message has no downloadable media")
	}

	ctx, cancel := context.WithTimeout(ctx, constants.DefaultDownloadTimeout)
	defer cancel()
	data, err := s.client.Download(ctx, target)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download whatsapp media: %w", err)
	}
	return data, mimeType, nil
}
