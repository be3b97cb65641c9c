// Package connectivity tracks whether the client is online. The state is
// seeded from the host at startup and changes only through Set.
package connectivity

import "sync"

// Monitor is a two-state machine with subscriber fan-out.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(online bool)
	nextID int
}

// NewMonitor returns a monitor in the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a host connectivity event. Subscribers are notified only
// when the state changes. It reports whether it did.
//
// Subscribers run on the caller's goroutine in subscription order and
// must not block.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	fns := m.snapshot()
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
	return true
}

// Subscribe registers fn for state changes and returns a function that
// removes it.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
		})
	}
}

func (m *Monitor) snapshot() []func(bool) {
	fns := make([]func(bool), 0, len(m.subs))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}
