package bot

import (
	"sync"
	"testing"
	"time"

	"github.com/keepmind9/miaubot/internal/connection"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// eventRecorder is a thread-safe connection listener.
type eventRecorder struct {
	mu     sync.Mutex
	events []connection.Event
}

func (r *eventRecorder) listen(ev connection.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []connection.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]connection.Event(nil), r.events...)
}

func (r *eventRecorder) waitLen(t *testing.T, n int) []connection.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.all()) >= n }, waitFor, time.Millisecond)
	return r.all()
}
