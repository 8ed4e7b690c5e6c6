package session

import (
	"context"
	"errors"
	"sync"

	"bus-tracker/internal/gtfs"
	"bus-tracker/internal/sensor"
)

// SensorFactory opens the location source of a user. The returned close
// function is called once the user's session is dropped.
type SensorFactory func(userID string) (sensor.Sensor, func() error, error)

type entry struct {
	session *Session
	close   func() error
}

// Manager hosts the sessions of many riders, keyed by (trip, user).
type Manager struct {
	cfg     Config
	deps    Deps
	sensors SensorFactory

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewManager builds a manager whose sessions share deps, except for the
// sensor, which comes from sensors per user.
func NewManager(cfg Config, deps Deps, sensors SensorFactory) *Manager {
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		sensors:  sensors,
		sessions: make(map[string]*entry),
	}
}

func key(tripID gtfs.TripID, userID string) string { return string(tripID) + "|" + userID }

// Start starts, or retries, the session of p. The session is returned even
// when starting fails so that its snapshot can explain why.
func (m *Manager) Start(ctx context.Context, p Params) (*Session, error) {
	k := key(p.TripID, p.UserID)
	m.mu.Lock()
	e, ok := m.sessions[k]
	if !ok {
		sn, closeFn, err := m.sensors(p.UserID)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		deps := m.deps
		deps.Sensor = sn
		e = &entry{session: New(p, m.cfg, deps), close: closeFn}
		m.sessions[k] = e
	}
	m.mu.Unlock()

	return e.session, e.session.Start(ctx)
}

// Stop ends the session and drops it.
func (m *Manager) Stop(ctx context.Context, tripID gtfs.TripID, userID string) error {
	k := key(tripID, userID)
	m.mu.Lock()
	e, ok := m.sessions[k]
	if ok {
		delete(m.sessions, k)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotSharing
	}
	return m.drop(ctx, e)
}

func (m *Manager) drop(ctx context.Context, e *entry) error {
	err := e.session.Stop(ctx)
	if errors.Is(err, ErrNotSharing) {
		err = nil
	}
	if e.close != nil {
		if cerr := e.close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (m *Manager) Session(tripID gtfs.TripID, userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[key(tripID, userID)]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Sharing counts the sessions currently sharing.
func (m *Manager) Sharing() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.sessions {
		if e.session.State() == Sharing {
			n++
		}
	}
	return n
}

// Shutdown stops every session and waits for them to finish.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for k, e := range m.sessions {
		entries = append(entries, e)
		delete(m.sessions, k)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.drop(ctx, e); err != nil {
				e.session.log.Warn("session shutdown failed", "error", err)
			}
		}()
	}
	wg.Wait()
}
