// Package status maintains the per-replica server status flags and the
// listener set notified on their transitions.
//
// The manager is the single writer for {started, writable, replicating};
// every other component reads snapshots. Leadership and divergence handlers
// register as listeners instead of polling, and listener invocation is
// single-flight per transition: notifications for one transition finish
// before the next transition's notifications begin.
package status

import (
	"sync"

	"go.uber.org/zap"
)

// Status is an immutable snapshot of the replica's flags.
type Status struct {
	Started     bool `json:"started"`
	Writable    bool `json:"writable"`
	Replicating bool `json:"replicating"`
}

// IsWritable reports whether writes may be admitted: a replica accepts
// writes only when it is both started and writable.
func (s Status) IsWritable() bool {
	return s.Started && s.Writable
}

// Listener observes status transitions. Listeners run on the caller's
// goroutine under the notification lock, so they must not call back into
// the manager's setters.
type Listener func(old, new Status)

// Manager owns the status flags.
//
// The zero value is not usable; create instances with New.
type Manager struct {
	mu       sync.RWMutex
	current  Status
	notifyMu sync.Mutex

	listenersMu sync.Mutex
	listeners   []Listener

	log *zap.Logger
}

// New creates a Manager starting out writable and replicating but not yet
// started; Start flips the replica live.
func New(log *zap.Logger) *Manager {
	return &Manager{
		current: Status{Writable: true, Replicating: true},
		log:     log.Named("status"),
	}
}

// Start marks the replica started. Idempotent: concurrent and repeated
// calls collapse into one transition.
func (m *Manager) Start() {
	m.transition(func(s *Status) { s.Started = true })
	if s := m.Snapshot(); s.Started && !s.Writable {
		m.log.Warn("replica started in read-only mode")
	}
}

// Stop marks the replica stopped. New writes are rejected after this
// returns; in-flight writes complete.
func (m *Manager) Stop() {
	m.transition(func(s *Status) { s.Started = false })
}

// SetWritable toggles admission of non-administrative writes. It takes
// effect immediately for new commands.
func (m *Manager) SetWritable(writable bool) {
	m.transition(func(s *Status) { s.Writable = writable })
}

// SetReplicating toggles participation in the replication protocol. A
// replica that stops replicating cannot stay writable: it has no way to
// commit writes into the shared log.
func (m *Manager) SetReplicating(replicating bool) {
	m.transition(func(s *Status) {
		s.Replicating = replicating
		if !replicating {
			s.Writable = false
		}
	})
}

// Update applies an UpdateServerStatus command: nil fields are left alone.
func (m *Manager) Update(writable, replicating *bool) {
	m.transition(func(s *Status) {
		if replicating != nil {
			s.Replicating = *replicating
		}
		if writable != nil {
			s.Writable = *writable
		}
		if !s.Replicating {
			s.Writable = false
		}
	})
}

// Snapshot returns the current flags.
func (m *Manager) Snapshot() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe registers a listener for future transitions.
func (m *Manager) Subscribe(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// transition applies a mutation and, if it changed anything, notifies the
// listeners. notifyMu serializes whole transitions so listeners observe
// them in order and never interleaved.
func (m *Manager) transition(mutate func(*Status)) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	old := m.current
	next := old
	mutate(&next)
	if next == old {
		m.mu.Unlock()
		return
	}
	m.current = next
	m.mu.Unlock()

	m.log.Info("server status changed",
		zap.Bool("started", next.Started),
		zap.Bool("writable", next.Writable),
		zap.Bool("replicating", next.Replicating))

	m.listenersMu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenersMu.Unlock()
	for _, l := range listeners {
		l(old, next)
	}
}
