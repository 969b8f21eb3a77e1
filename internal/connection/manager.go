package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/keepmind9/miaubot/internal/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 5 * time.Second
	DefaultOpenTimeout          = 60 * time.Second

	connectKey = "connect"
)

// Config holds the manager's retry policy. Zero values select the defaults.
type Config struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	// OpenTimeout bounds how long a registered session may take to report
	// EventOpen. Zero selects DefaultOpenTimeout and a negative value
	// disables it. Not armed while pairing.
	OpenTimeout         time.Duration
	MarkOnlineOnConnect bool
	// LogoutOnDisconnect unlinks credentials on Disconnect instead of only
	// closing the socket, when the socket supports it.
	LogoutOnDisconnect bool
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	return c
}

// session is the manager's bookkeeping for one socket.
type session struct {
	id       uint64
	sock     Socket
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	opened   bool
	handlers []Handler // bound on open
}

type reconnectLoop struct {
	cancel context.CancelFunc
}

// Manager owns the single backend session and its recovery.
type Manager struct {
	cfg    Config
	dialer Dialer
	pairer Pairer

	sf singleflight.Group

	mu       sync.Mutex
	state    State
	current  *session
	attempts int
	handlers []Handler
	loop     *reconnectLoop
	closed   bool
	nextID   uint64

	// dispatchMu serialises handler invocation across sessions
	dispatchMu sync.Mutex

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	fatalOnce sync.Once
	fatal     chan error
}

// NewManager creates a manager. pairer may be nil when the backend never
// needs pairing.
func NewManager(cfg Config, dialer Dialer, pairer Pairer) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg.withDefaults(),
		dialer:     dialer,
		pairer:     pairer,
		state:      StateIdle,
		baseCtx:    ctx,
		baseCancel: cancel,
		fatal:      make(chan error, 1),
	}
}

// Connect opens a new session, replacing the current one. Concurrent calls
// share a single attempt and its result. It returns once the socket's open
// sequence has started; EventOpen may arrive later.
func (m *Manager) Connect(ctx context.Context) (Socket, error) {
	v, err, shared := m.sf.Do(connectKey, func() (interface{}, error) {
		return m.connect(ctx)
	})
	if shared {
		logger.WithField("component", "connection").Debug("joined-in-flight-connect")
	}
	if err != nil {
		return nil, err
	}
	return v.(Socket), nil
}

func (m *Manager) connect(ctx context.Context) (Socket, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.state == StateFatal {
		m.mu.Unlock()
		return nil, ErrReconnectLimit
	}
	prev := m.current
	m.current = nil
	if prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	m.state = StateConnecting
	m.nextID++
	sessCtx, cancel := context.WithCancel(m.baseCtx)
	sess := &session{id: m.nextID, ctx: sessCtx, cancel: cancel}
	m.mu.Unlock()

	if prev != nil {
		logger.WithFields(logrus.Fields{
			"component": "connection",
			"session":   prev.id,
		}).Info("replacing-current-session")
		m.discard(prev, true)
	}

	log := logger.WithFields(logrus.Fields{
		"component": "connection",
		"session":   sess.id,
	})

	sock, err := m.dialer.Dial(ctx, DialOptions{
		Listener:   func(ev Event) { m.handleEvent(sess, ev) },
		MarkOnline: m.cfg.MarkOnlineOnConnect,
	})
	if err != nil {
		cancel()
		m.setStateIf(StateConnecting, StateIdle)
		log.WithField("error", err).Error("failed-to-create-session")
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	sess.sock = sock
	log = log.WithField("platform", sock.Platform())

	registered := sock.Registered()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.discard(sess, true)
		return nil, ErrClosed
	}
	m.current = sess
	if registered && m.cfg.OpenTimeout > 0 {
		sess.timer = time.AfterFunc(m.cfg.OpenTimeout, func() {
			log.WithField("timeout", m.cfg.OpenTimeout.String()).Warn("session-open-timed-out")
			m.handleClose(sess, CloseReason{Code: StatusTimedOut, Err: ErrOpenTimeout})
		})
	}
	m.mu.Unlock()

	if !registered {
		if m.pairer == nil {
			log.Warn("session-unregistered-and-no-pairer-configured")
		} else if err := m.pairer.Pair(sess.ctx, sock); err != nil {
			log.WithField("error", err).Error("failed-to-start-pairing")
		}
	}

	if err := sock.Open(ctx); err != nil {
		m.mu.Lock()
		if m.current == sess {
			m.current = nil
			m.state = StateIdle
		}
		if sess.timer != nil {
			sess.timer.Stop()
		}
		m.mu.Unlock()
		m.discard(sess, true)
		log.WithField("error", err).Error("failed-to-open-session")
		return nil, fmt.Errorf("failed to open %s session: %w", sock.Platform(), err)
	}

	log.WithField("registered", registered).Info("session-opening")
	return sock, nil
}

// Disconnect closes the current session and cancels any pending reconnect.
// Failures are logged. It is a no-op without a session.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	sess := m.current
	m.current = nil
	m.stopReconnectLocked()
	m.attempts = 0
	if m.state != StateFatal {
		m.state = StateIdle
	}
	if sess != nil && sess.timer != nil {
		sess.timer.Stop()
	}
	m.mu.Unlock()

	if sess == nil {
		logger.WithField("component", "connection").Debug("disconnect-without-session")
		return
	}
	sess.cancel()

	log := logger.WithFields(logrus.Fields{
		"component": "connection",
		"session":   sess.id,
		"platform":  sess.sock.Platform(),
	})

	if lo, ok := sess.sock.(Logouter); ok && m.cfg.LogoutOnDisconnect {
		if err := lo.Logout(ctx); err != nil {
			log.WithField("error", err).Error("failed-to-logout-session")
		} else {
			log.Info("session-logged-out")
			return
		}
	}

	if err := sess.sock.Close(ctx); err != nil {
		log.WithField("error", err).Error("failed-to-close-session")
		return
	}
	log.Info("session-disconnected")
}

// Close disconnects, stops reconnecting and rejects further Connect calls.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.Disconnect(ctx)
	m.baseCancel()
	m.wg.Wait()
}

// OnMessage registers a handler. Handlers are bound when a session opens.
func (m *Manager) OnMessage(h Handler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Socket returns the current session handle, or nil.
func (m *Manager) Socket() Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.sock
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the reconnect counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Fatal receives ErrReconnectLimit once the reconnect ceiling is reached.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

func (m *Manager) handleEvent(sess *session, ev Event) {
	switch e := ev.(type) {
	case EventConnecting:
		logger.WithFields(logrus.Fields{
			"component": "connection",
			"session":   sess.id,
		}).Debug("session-handshake-started")
	case EventOpen:
		m.handleOpen(sess)
	case EventClosed:
		m.handleClose(sess, e.Reason)
	case EventCredentialsChanged:
		m.saveCredentials(sess)
	case EventMessages:
		m.dispatch(sess, e.Messages)
	default:
		logger.WithFields(logrus.Fields{
			"component": "connection",
			"event":     fmt.Sprintf("%T", ev),
		}).Warn("unhandled-connection-event")
	}
}

func (m *Manager) handleOpen(sess *session) {
	m.mu.Lock()
	if m.current != sess || sess.opened {
		m.mu.Unlock()
		return
	}
	sess.opened = true
	if sess.timer != nil {
		sess.timer.Stop()
	}
	sess.handlers = append([]Handler(nil), m.handlers...)
	m.state = StateOpen
	m.attempts = 0
	bound := len(sess.handlers)
	m.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"component": "connection",
		"session":   sess.id,
		"platform":  sess.sock.Platform(),
		"self":      sess.sock.SelfID(),
		"handlers":  bound,
	}).Info("connection-opened")
}

func (m *Manager) handleClose(sess *session, reason CloseReason) {
	m.mu.Lock()
	if m.current != sess {
		m.mu.Unlock()
		logger.WithFields(logrus.Fields{
			"component": "connection",
			"session":   sess.id,
			"code":      int(reason.Code),
		}).Debug("ignoring-close-of-stale-session")
		return
	}
	m.current = nil
	m.state = StateClosed
	if sess.timer != nil {
		sess.timer.Stop()
	}
	m.mu.Unlock()

	m.discard(sess, errors.Is(reason.Err, ErrOpenTimeout))

	logger.WithFields(logrus.Fields{
		"component": "connection",
		"session":   sess.id,
		"reason":    reason.String(),
	}).Info("connection-closed")

	retry := ShouldReconnect(reason)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !retry || m.closed {
		m.attempts = 0
		m.stopReconnectLocked()
		if m.state == StateClosed {
			m.state = StateIdle
		}
		return
	}
	m.startReconnectLocked()
}

func (m *Manager) saveCredentials(sess *session) {
	if !m.isCurrent(sess) {
		return
	}
	if err := sess.sock.SaveCredentials(sess.ctx); err != nil {
		logger.WithFields(logrus.Fields{
			"component": "connection",
			"session":   sess.id,
			"error":     err,
		}).Error("failed-to-save-credentials")
	}
}

// dispatch delivers msgs to the session's bound handlers, one at a time.
// Messages of a session that is no longer current are dropped.
func (m *Manager) dispatch(sess *session, msgs []Message) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	for _, msg := range msgs {
		m.mu.Lock()
		live := m.current == sess && sess.opened
		handlers := sess.handlers
		m.mu.Unlock()

		if !live {
			logger.WithFields(logrus.Fields{
				"component": "connection",
				"session":   sess.id,
				"dropped":   len(msgs),
			}).Debug("dropping-messages-from-inactive-session")
			return
		}

		for i, h := range handlers {
			m.invoke(sess, i, h, msg)
		}
	}
}

func (m *Manager) invoke(sess *session, idx int, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"component":  "connection",
				"handler":    idx,
				"message_id": msg.ID,
				"chat":       msg.Chat,
				"panic":      r,
			}).Error("handler-panic-recovered")
		}
	}()

	if err := h(sess.ctx, sess.sock, msg); err != nil {
		logger.WithFields(logrus.Fields{
			"component":  "connection",
			"handler":    idx,
			"message_id": msg.ID,
			"chat":       msg.Chat,
			"error":      err,
		}).Error("handler-failed")
	}
}

func (m *Manager) startReconnectLocked() {
	if m.loop != nil || m.closed {
		return
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	loop := &reconnectLoop{cancel: cancel}
	m.loop = loop
	m.wg.Add(1)
	go m.runReconnect(ctx, loop)
}

func (m *Manager) stopReconnectLocked() {
	if m.loop != nil {
		m.loop.cancel()
		m.loop = nil
	}
}

// runReconnect retries Connect until a session is current, the loop is
// cancelled or the ceiling is reached.
func (m *Manager) runReconnect(ctx context.Context, loop *reconnectLoop) {
	defer m.wg.Done()
	defer loop.cancel()

	for {
		m.mu.Lock()
		if m.loop != loop {
			m.mu.Unlock()
			return
		}
		if m.current != nil {
			m.loop = nil
			m.mu.Unlock()
			return
		}
		if m.attempts >= m.cfg.MaxReconnectAttempts {
			m.loop = nil
			m.state = StateFatal
			attempts := m.attempts
			m.mu.Unlock()
			m.fail(fmt.Errorf("%w after %d attempts", ErrReconnectLimit, attempts))
			return
		}
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		logger.WithFields(logrus.Fields{
			"component":    "connection",
			"attempt":      attempt,
			"max_attempts": m.cfg.MaxReconnectAttempts,
			"delay":        m.cfg.ReconnectDelay.String(),
		}).Info("scheduling-reconnect")

		timer := time.NewTimer(m.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := m.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			var ce *CloseError
			if errors.As(err, &ce) && !ShouldReconnect(ce.Reason) {
				m.mu.Lock()
				if m.loop == loop {
					m.loop = nil
					m.attempts = 0
					if m.state != StateFatal {
						m.state = StateIdle
					}
				}
				m.mu.Unlock()
				return
			}
			logger.WithFields(logrus.Fields{
				"component": "connection",
				"attempt":   attempt,
				"error":     err,
			}).Error("reconnect-attempt-failed")
		}
	}
}

func (m *Manager) fail(err error) {
	m.fatalOnce.Do(func() {
		logger.WithFields(logrus.Fields{
			"component":    "connection",
			"max_attempts": m.cfg.MaxReconnectAttempts,
		}).Error("reconnect-limit-reached")
		m.fatal <- err
	})
}

// discard releases a session that is no longer current.
func (m *Manager) discard(sess *session, closeSocket bool) {
	sess.cancel()
	if !closeSocket || sess.sock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.sock.Close(ctx); err != nil {
		logger.WithFields(logrus.Fields{
			"component": "connection",
			"session":   sess.id,
			"error":     err,
		}).Debug("failed-to-close-discarded-session")
	}
}

func (m *Manager) isCurrent(sess *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == sess
}

func (m *Manager) setStateIf(from, to State) {
	m.mu.Lock()
	if m.state == from {
		m.state = to
	}
	m.mu.Unlock()
}
