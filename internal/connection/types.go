package connection

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrReconnectLimit = errors.New("reconnect limit reached")
	ErrClosed         = errors.New("connection manager closed")
	ErrNotConnected   = errors.New("not connected")
	ErrOpenTimeout    = errors.New("session did not open in time")
)

// State is the lifecycle state of the manager.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFatal:
		return "fatal"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Message is one inbound chat message, normalised across backends.
type Message struct {
	ID        string
	Chat      string // Chat/channel the message belongs to; replies go here
	Sender    string
	PushName  string
	Text      string
	FromMe    bool
	IsGroup   bool
	HasMedia  bool
	Timestamp time.Time
	Quoted    *Message
	Raw       any // Library-native message, for backend-specific handling
}

// MediaKind selects how outbound media is presented to the recipient.
type MediaKind int

const (
	MediaAudio MediaKind = iota
	MediaVideo
	MediaDocument
	MediaSticker
)

func (k MediaKind) String() string {
	switch k {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	case MediaDocument:
		return "document"
	case MediaSticker:
		return "sticker"
	default:
		return "unknown"
	}
}

// Media is an outbound file already on local disk.
type Media struct {
	Kind     MediaKind
	Path     string
	MimeType string
	FileName string
	Caption  string
}

// CloseReason describes why a backend session closed.
type CloseReason struct {
	Code StatusCode
	Err  error
}

func (r CloseReason) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%d %s: %v", int(r.Code), r.Code, r.Err)
	}
	return fmt.Sprintf("%d %s", int(r.Code), r.Code)
}

// CloseError is returned by Socket.Open when the backend refused the
// session with a known close status.
type CloseError struct {
	Reason CloseReason
}

func (e *CloseError) Error() string {
	return "session refused: " + e.Reason.String()
}

func (e *CloseError) Unwrap() error {
	return e.Reason.Err
}

// Event is the closed set of lifecycle notifications a backend emits.
type Event interface {
	isEvent()
}

// EventConnecting reports that the backend started its handshake.
type EventConnecting struct{}

// EventOpen reports a fully established session.
type EventOpen struct{}

// EventClosed reports that the session is gone.
type EventClosed struct {
	Reason CloseReason
}

// EventCredentialsChanged reports that persisted credentials must be saved.
type EventCredentialsChanged struct{}

// EventMessages carries a batch of inbound messages in backend order.
type EventMessages struct {
	Messages []Message
}

func (EventConnecting) isEvent()         {}
func (EventOpen) isEvent()               {}
func (EventClosed) isEvent()             {}
func (EventCredentialsChanged) isEvent() {}
func (EventMessages) isEvent()           {}

// Socket is one backend session handle.
type Socket interface {
	// Platform names the backend ("whatsapp", "discord", "telegram")
	Platform() string
	// SelfID is the account the session is authenticated as, empty if unknown
	SelfID() string
	// Registered reports whether credentials exist; false triggers pairing
	Registered() bool
	// Open starts the handshake; completion is reported with EventOpen
	Open(ctx context.Context) error
	// Close terminates the session without logging out
	Close(ctx context.Context) error
	// SaveCredentials persists the current credentials
	SaveCredentials(ctx context.Context) error
	SendText(ctx context.Context, chat, text string) error
	SendMedia(ctx context.Context, chat string, media Media) error
}

// Logouter is implemented by sockets that can unlink their credentials.
type Logouter interface {
	Logout(ctx context.Context) error
}

// PairingSource is implemented by sockets that pair with a scannable code.
// PairingCodes must be called before Open.
type PairingSource interface {
	PairingCodes(ctx context.Context) (<-chan string, error)
}

// MediaDownloader is implemented by sockets that can fetch inbound media.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, msg Message) (data []byte, mimeType string, err error)
}

// DialOptions are passed to a Dialer for every new session.
type DialOptions struct {
	// Listener receives the session's lifecycle events.
	// Events must not be emitted before Open is called. Lifecycle events may
	// be delivered concurrently with EventMessages.
	Listener   func(Event)
	MarkOnline bool
}

// Dialer creates a new, unopened session.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Socket, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, opts DialOptions) (Socket, error)

func (f DialerFunc) Dial(ctx context.Context, opts DialOptions) (Socket, error) {
	return f(ctx, opts)
}

// Pairer runs the out-of-band pairing flow for an unregistered session.
type Pairer interface {
	Pair(ctx context.Context, sock Socket) error
}

// Handler consumes one inbound message with the socket it arrived on.
type Handler func(ctx context.Context, sock Socket, msg Message) error
