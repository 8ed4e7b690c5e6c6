package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/sensor"
)

func TestManager(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	closed := map[string]int{}
	factory := func(userID string) (sensor.Sensor, func() error, error) {
		if userID == "broken" {
			return nil, nil, errors.New("no device")
		}
		return newFakeSensor(fixNear(h.route[1], 0, now)), func() error {
			mu.Lock()
			closed[userID]++
			mu.Unlock()
			return nil
		}, nil
	}
	m := NewManager(testConfig(), Deps{Catalog: h.catalog, Store: h.store, Clock: h.clk}, factory)

	s1, err := m.Start(ctx, Params{TripID: trip, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, Sharing, s1.State())

	_, err = m.Start(ctx, Params{TripID: trip, UserID: "u1"})
	assert.ErrorIs(t, err, ErrAlreadySharing)

	s2, err := m.Start(ctx, Params{TripID: trip, UserID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Sharing())
	assert.Len(t, h.store.RiderPositions(trip), 2)

	_, err = m.Start(ctx, Params{TripID: trip, UserID: "broken"})
	assert.Error(t, err)

	require.NoError(t, m.Stop(ctx, trip, "u1"))
	_, ok := m.Session(trip, "u1")
	assert.False(t, ok)
	assert.Equal(t, Idle, s1.State())
	assert.ErrorIs(t, m.Stop(ctx, trip, "nobody"), ErrNotSharing)

	got, ok := m.Session(trip, "u2")
	require.True(t, ok)
	assert.Same(t, s2, got)

	m.Shutdown(ctx)
	assert.Equal(t, Idle, s2.State())
	assert.Equal(t, 0, m.Sharing())
	assert.Empty(t, h.store.RiderPositions(trip))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"u1": 1, "u2": 1}, closed)
}
