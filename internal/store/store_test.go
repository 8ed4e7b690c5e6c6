package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/passage"
	"bus-tracker/internal/riders"
)

var t0 = time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)

func recv[T any](t *testing.T, sub *Subscription[T]) []T {
	t.Helper()
	select {
	case snap, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return snap
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
		return nil
	}
}

func TestMemory_RiderPositions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sub, err := m.SubscribeRiderPositions(ctx, "t1")
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, recv(t, sub))

	p := riders.RiderPosition{TripID: "t1", UserID: "u1", Lat: 1, Lon: 2, ObservedAt: t0, LastActive: t0}
	require.NoError(t, m.UpsertRiderPosition(ctx, p))
	assert.Equal(t, []riders.RiderPosition{p}, recv(t, sub))

	other := p
	other.TripID = "t2"
	require.NoError(t, m.UpsertRiderPosition(ctx, other))
	require.NoError(t, m.DeleteRiderPosition(ctx, "t1", "u1"))
	assert.Empty(t, recv(t, sub))
	assert.Len(t, m.RiderPositions("t2"), 1)
}

func TestMemory_SubscribeStartsWithCurrentRows(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.UpsertRiderPosition(ctx, riders.RiderPosition{TripID: "t1", UserID: "b"}))
	require.NoError(t, m.UpsertRiderPosition(ctx, riders.RiderPosition{TripID: "t1", UserID: "a"}))

	sub, err := m.SubscribeRiderPositions(ctx, "t1")
	require.NoError(t, err)
	defer sub.Close()

	snap := recv(t, sub)
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].UserID)
}

func TestMemory_ObservedPassageNotOverwritten(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	obs := passage.Record{StopID: "S1", Sequence: 1, PassTime: t0, DelayMinutes: 3}
	inf := passage.Record{StopID: "S1", Sequence: 1, PassTime: t0.Add(-time.Minute), DelayMinutes: 1, Inferred: true}

	require.NoError(t, m.UpsertPassageRecord(ctx, "t1", obs))
	require.NoError(t, m.UpsertPassageRecord(ctx, "t1", inf))
	assert.Equal(t, []passage.Record{obs}, m.PassageRecords("t1"))

	m2 := NewMemory()
	require.NoError(t, m2.UpsertPassageRecord(ctx, "t1", inf))
	require.NoError(t, m2.UpsertPassageRecord(ctx, "t1", obs))
	assert.Equal(t, []passage.Record{obs}, m2.PassageRecords("t1"))
}

func TestMemory_EarlierRunIsOverwritten(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	old := passage.Record{StopID: "S1", Sequence: 1, PassTime: t0.Add(-24 * time.Hour), DelayMinutes: 40, UserID: "old"}
	inf := passage.Record{StopID: "S1", Sequence: 1, PassTime: t0, DelayMinutes: 2, UserID: "u1", Inferred: true}

	require.NoError(t, m.UpsertPassageRecord(ctx, "t1", old))
	require.NoError(t, m.UpsertPassageRecord(ctx, "t1", inf))
	assert.Equal(t, []passage.Record{inf}, m.PassageRecords("t1"))
}

func TestMemory_PassagesOrderedBySequence(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, r := range []passage.Record{{StopID: "c", Sequence: 2}, {StopID: "a", Sequence: 0}, {StopID: "b", Sequence: 1}} {
		require.NoError(t, m.UpsertPassageRecord(ctx, "t1", r))
	}

	sub, err := m.SubscribePassageRecords(ctx, "t1")
	require.NoError(t, err)
	defer sub.Close()

	snap := recv(t, sub)
	require.Len(t, snap, 3)
	assert.Equal(t, "a", string(snap[0].StopID))
	assert.Equal(t, "c", string(snap[2].StopID))
}

func TestMemory_FailWrites(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("unavailable")

	m.FailWrites(boom)
	assert.ErrorIs(t, m.UpsertRiderPosition(ctx, riders.RiderPosition{TripID: "t1", UserID: "u1"}), boom)
	assert.ErrorIs(t, m.UpsertPassageRecord(ctx, "t1", passage.Record{StopID: "S0"}), boom)

	m.FailWrites(nil)
	assert.NoError(t, m.UpsertRiderPosition(ctx, riders.RiderPosition{TripID: "t1", UserID: "u1"}))
}

func TestSubscription_CoalescesAndCloses(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := m.SubscribeRiderPositions(ctx, "t1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.UpsertRiderPosition(context.Background(), riders.RiderPosition{TripID: "t1", UserID: fmt.Sprintf("u%d", i)}))
	}
	assert.Len(t, recv(t, sub), 5, "only the latest snapshot is pending")

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-sub.C
		return !ok
	}, time.Second, 10*time.Millisecond)

	sub.Close()
	require.NoError(t, m.UpsertRiderPosition(context.Background(), riders.RiderPosition{TripID: "t1", UserID: "late"}))
}

func TestClassify(t *testing.T) {
	denied := &pgconn.PgError{Code: "42501", Message: "permission denied for table rider_positions"}
	err := classify(fmt.Errorf("exec: %w", denied))
	assert.ErrorIs(t, err, ErrPermissionDenied)

	other := &pgconn.PgError{Code: "08006", Message: "connection failure"}
	err = classify(other)
	assert.NotErrorIs(t, err, ErrPermissionDenied)
	assert.Same(t, other, err)
}
