package bot

import (
	"sync"

	"github.com/keepmind9/miaubot/internal/connection"
)

const defaultPumpSize = 256

// lifecycleItem is a queued non-message event. handled is closed once the
// listener has returned for it.
type lifecycleItem struct {
	ev      connection.Event
	handled chan struct{}
}

// messageItem waits for after, the last lifecycle event queued before it.
type messageItem struct {
	ev    connection.EventMessages
	after <-chan struct{}
}

// eventPump forwards events to a listener without blocking the library's
// read loop. Lifecycle events (open, close, credentials) and messages run on
// separate goroutines: a close is delivered while a message handler is still
// running, and a message is never delivered before the lifecycle events
// emitted ahead of it. Each kind keeps its emit order.
type eventPump struct {
	listener  func(connection.Event)
	lifecycle chan lifecycleItem
	messages  chan messageItem
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	mu   sync.Mutex
	last chan struct{}
}

func newEventPump(listener func(connection.Event), size int) *eventPump {
	if listener == nil {
		listener = func(connection.Event) {}
	}
	if size <= 0 {
		size = defaultPumpSize
	}
	return &eventPump{
		listener:  listener,
		lifecycle: make(chan lifecycleItem, size),
		messages:  make(chan messageItem, size),
		done:      make(chan struct{}),
	}
}

func (p *eventPump) start() {
	p.startOnce.Do(func() {
		go p.runLifecycle()
		go p.runMessages()
	})
}

func (p *eventPump) runLifecycle() {
	for {
		select {
		case <-p.done:
			return
		case item := <-p.lifecycle:
			p.listener(item.ev)
			close(item.handled)
		}
	}
}

func (p *eventPump) runMessages() {
	for {
		select {
		case <-p.done:
			return
		case item := <-p.messages:
			if item.after != nil {
				select {
				case <-p.done:
					return
				case <-item.after:
				}
			}
			p.listener(item.ev)
		}
	}
}

// emit queues ev, blocking while its queue is full. It reports false once
// the pump is stopped.
func (p *eventPump) emit(ev connection.Event) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	if msgs, ok := ev.(connection.EventMessages); ok {
		p.mu.Lock()
		after := p.last
		p.mu.Unlock()

		select {
		case <-p.done:
			return false
		case p.messages <- messageItem{ev: msgs, after: after}:
			return true
		}
	}

	handled := make(chan struct{})
	p.mu.Lock()
	p.last = handled
	p.mu.Unlock()

	select {
	case <-p.done:
		return false
	case p.lifecycle <- lifecycleItem{ev: ev, handled: handled}:
		return true
	}
}

// stop discards queued events. It does not wait for an in-flight listener
// call, which may itself be closing the socket.
func (p *eventPump) stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
}
