// Package connectivity tracks the online/offline signal that decides between
// live settlement and the offline queue.
package connectivity

import (
	"log/slog"
	"sync"
)

// Monitor is a boolean connectivity observable. The signal is fed externally
// (a platform network callback, or the API's manual toggle) and fanned out to
// subscribers on transitions.
type Monitor struct {
	logger *slog.Logger

	mu     sync.Mutex
	online bool
	subs   []chan bool
}

// NewMonitor builds a Monitor with the given initial state.
func NewMonitor(logger *slog.Logger, online bool) *Monitor {
	return &Monitor{logger: logger, online: online}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity change and notifies subscribers. Setting
// the current state again is a no-op.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]chan bool, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, ch := range subs {
		// Drop the notification if the subscriber is behind; it only needs
		// the latest state and can read Online() when it catches up.
		select {
		case ch <- online:
		default:
		}
	}
}

// Subscribe registers a listener for connectivity transitions.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}
