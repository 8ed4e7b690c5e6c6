package store

import (
	"context"
	"sort"
	"sync"

	"bus-tracker/internal/gtfs"
	"bus-tracker/internal/passage"
	"bus-tracker/internal/riders"
)

// Memory is an in-process Store. Subscribers receive the current snapshot
// immediately and after every change to their trip.
type Memory struct {
	mu       sync.Mutex
	riders   map[gtfs.TripID]map[string]riders.RiderPosition
	passages map[gtfs.TripID]map[gtfs.StopID]passage.Record

	nextID      int
	riderSubs   map[gtfs.TripID]map[int]*Subscription[riders.RiderPosition]
	passageSubs map[gtfs.TripID]map[int]*Subscription[passage.Record]

	writeErr error
}

func NewMemory() *Memory {
	return &Memory{
		riders:      make(map[gtfs.TripID]map[string]riders.RiderPosition),
		passages:    make(map[gtfs.TripID]map[gtfs.StopID]passage.Record),
		riderSubs:   make(map[gtfs.TripID]map[int]*Subscription[riders.RiderPosition]),
		passageSubs: make(map[gtfs.TripID]map[int]*Subscription[passage.Record]),
	}
}

// FailWrites makes every later write return err until called with nil.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

func (m *Memory) UpsertRiderPosition(_ context.Context, p riders.RiderPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if m.riders[p.TripID] == nil {
		m.riders[p.TripID] = make(map[string]riders.RiderPosition)
	}
	m.riders[p.TripID][p.UserID] = p
	m.publishRidersLocked(p.TripID)
	return nil
}

func (m *Memory) DeleteRiderPosition(_ context.Context, tripID gtfs.TripID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if _, ok := m.riders[tripID][userID]; !ok {
		return nil
	}
	delete(m.riders[tripID], userID)
	m.publishRidersLocked(tripID)
	return nil
}

// RiderPositions returns the stored rows of a trip ordered by user id.
func (m *Memory) RiderPositions(tripID gtfs.TripID) []riders.RiderPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ridersLocked(tripID)
}

func (m *Memory) SubscribeRiderPositions(ctx context.Context, tripID gtfs.TripID) (*Subscription[riders.RiderPosition], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	sub := newSubscription[riders.RiderPosition](ctx, func() {
		m.mu.Lock()
		delete(m.riderSubs[tripID], id)
		m.mu.Unlock()
	})
	if m.riderSubs[tripID] == nil {
		m.riderSubs[tripID] = make(map[int]*Subscription[riders.RiderPosition])
	}
	m.riderSubs[tripID][id] = sub
	sub.deliver(m.ridersLocked(tripID))
	return sub, nil
}

func (m *Memory) UpsertPassageRecord(_ context.Context, tripID gtfs.TripID, r passage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if m.passages[tripID] == nil {
		m.passages[tripID] = make(map[gtfs.StopID]passage.Record)
	}
	if cur, ok := m.passages[tripID][r.StopID]; ok && !cur.Inferred && r.Inferred && passage.SameRun(cur.PassTime, r.PassTime) {
		return nil
	}
	m.passages[tripID][r.StopID] = r
	m.publishPassagesLocked(tripID)
	return nil
}

// PassageRecords returns the stored records of a trip ordered by sequence.
func (m *Memory) PassageRecords(tripID gtfs.TripID) []passage.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.passagesLocked(tripID)
}

func (m *Memory) SubscribePassageRecords(ctx context.Context, tripID gtfs.TripID) (*Subscription[passage.Record], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	sub := newSubscription[passage.Record](ctx, func() {
		m.mu.Lock()
		delete(m.passageSubs[tripID], id)
		m.mu.Unlock()
	})
	if m.passageSubs[tripID] == nil {
		m.passageSubs[tripID] = make(map[int]*Subscription[passage.Record])
	}
	m.passageSubs[tripID][id] = sub
	sub.deliver(m.passagesLocked(tripID))
	return sub, nil
}

func (m *Memory) publishRidersLocked(tripID gtfs.TripID) {
	for _, sub := range m.riderSubs[tripID] {
		sub.deliver(m.ridersLocked(tripID))
	}
}

func (m *Memory) publishPassagesLocked(tripID gtfs.TripID) {
	for _, sub := range m.passageSubs[tripID] {
		sub.deliver(m.passagesLocked(tripID))
	}
}

func (m *Memory) ridersLocked(tripID gtfs.TripID) []riders.RiderPosition {
	out := make([]riders.RiderPosition, 0, len(m.riders[tripID]))
	for _, p := range m.riders[tripID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (m *Memory) passagesLocked(tripID gtfs.TripID) []passage.Record {
	out := make([]passage.Record, 0, len(m.passages[tripID]))
	for _, r := range m.passages[tripID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].StopID < out[j].StopID
	})
	return out
}
