// Package connectivity tracks whether the remote store is believed reachable.
package connectivity

import (
	"sync"
	"time"

	"github.com/kimhsiao/postbills/backend/internal/logging"
	"github.com/kimhsiao/postbills/backend/internal/observer"
)

// Event is emitted on every online/offline transition.
type Event struct {
	Online bool
	At     time.Time
}

// IsReconnect reports whether the event is an offline to online edge.
func (e Event) IsReconnect() bool {
	return e.Online
}

// Monitor holds the current connectivity state as reported by the platform.
// It does no probing of its own.
type Monitor struct {
	// emitMu serializes transitions so listeners observe them in order.
	emitMu sync.Mutex
	mu     sync.RWMutex
	online bool

	listeners observer.Registry[Event]
	now       func() time.Time
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, now: time.Now}
}

// Online returns the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records a platform signal. Listeners are notified only when the state
// actually changes; repeated signals of the same state are ignored.
// Listeners must not call Set.
func (m *Monitor) Set(online bool) (changed bool) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.mu.Unlock()

	ev := Event{Online: online, At: m.now()}
	logging.Info("connectivity changed", map[string]interface{}{"online": online})
	m.listeners.Emit(ev)
	return true
}

// Subscribe registers fn for transition events.
func (m *Monitor) Subscribe(fn func(Event)) (unsubscribe func()) {
	return m.listeners.Subscribe(fn)
}
