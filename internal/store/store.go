// Package store is the shared document store of a trip: one position row per
// rider and one passage record per stop, with change subscriptions.
package store

import (
	"context"
	"errors"
	"sync"

	"bus-tracker/internal/gtfs"
	"bus-tracker/internal/passage"
	"bus-tracker/internal/riders"
)

// ErrPermissionDenied is a persistent refusal to write. Every other write
// error is transient.
var ErrPermissionDenied = errors.New("store: permission denied")

type Store interface {
	UpsertRiderPosition(ctx context.Context, p riders.RiderPosition) error
	DeleteRiderPosition(ctx context.Context, tripID gtfs.TripID, userID string) error
	SubscribeRiderPositions(ctx context.Context, tripID gtfs.TripID) (*Subscription[riders.RiderPosition], error)

	// UpsertPassageRecord never lets an inferred record replace an observed
	// one for the same stop in the same run of the trip.
	UpsertPassageRecord(ctx context.Context, tripID gtfs.TripID, r passage.Record) error
	SubscribePassageRecords(ctx context.Context, tripID gtfs.TripID) (*Subscription[passage.Record], error)
}

// Subscription delivers whole snapshots of a trip collection. Only the most
// recent undelivered snapshot is kept, so a slow reader skips intermediate
// states. C is closed by Close or when the subscribing context ends.
type Subscription[T any] struct {
	C <-chan []T

	mu      sync.Mutex
	ch      chan []T
	closed  bool
	onClose func()
}

func newSubscription[T any](ctx context.Context, onClose func()) *Subscription[T] {
	ch := make(chan []T, 1)
	s := &Subscription[T]{C: ch, ch: ch, onClose: onClose}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			s.Close()
		}()
	}
	return s
}

func (s *Subscription[T]) deliver(snapshot []T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snapshot
}

// Close stops delivery. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}
