package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/gtfs"
)

type countingSource struct {
	StaticSource
	calls int
	err   error
}

func (c *countingSource) TripStopTimes(ctx context.Context, tripID gtfs.TripID) ([]gtfs.StopTime, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.StaticSource.TripStopTimes(ctx, tripID)
}

func stopTimes() []gtfs.StopTime {
	// Out of order, sparse sequences, a repeated loop stop.
	return []gtfs.StopTime{
		{StopSequence: 30, StopID: "d", StopName: "D", ArrivalTime: "08:15:00"},
		{StopSequence: 10, StopID: "b", StopName: "B", ArrivalTime: "08:05:00"},
		{StopSequence: 5, StopID: "a", StopName: "A", DepartureTime: "08:00:00"},
		{StopSequence: 20, StopID: "c", ArrivalTime: "08:10:00"},
		{StopSequence: 40, StopID: "e", StopName: "E", ArrivalTime: "24:20:00"},
		{StopSequence: 50, StopID: "f", StopName: "F"},
		{StopSequence: 60, StopID: "a", StopName: "A", ArrivalTime: "24:40:00"},
	}
}

func stopIDs(stops []gtfs.StopRef) []gtfs.StopID {
	out := make([]gtfs.StopID, len(stops))
	for i, s := range stops {
		out[i] = s.StopID
	}
	return out
}

func TestFullRoute(t *testing.T) {
	src := &countingSource{StaticSource: StaticSource{"t1": stopTimes()}}
	c := New(src, DefaultLeadStops)

	stops, err := c.FullRoute(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []gtfs.StopID{"a", "b", "c", "d", "e", "f"}, stopIDs(stops))
	for i, s := range stops {
		assert.Equal(t, i, s.Sequence)
	}
	assert.Equal(t, "08:00:00", stops[0].ScheduledTime)
	assert.Equal(t, "c", stops[2].StopName)
	assert.Equal(t, "", stops[5].ScheduledTime)

	_, err = c.FullRoute(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
}

func TestFullRoute_NoStopData(t *testing.T) {
	src := &countingSource{StaticSource: StaticSource{}}
	c := New(src, DefaultLeadStops)

	_, err := c.FullRoute(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNoStopData))

	_, _ = c.FullRoute(context.Background(), "missing")
	assert.Equal(t, 2, src.calls, "empty results are not cached")
}

func TestFullRoute_SourceError(t *testing.T) {
	boom := errors.New("connection refused")
	c := New(&countingSource{err: boom}, DefaultLeadStops)

	_, err := c.FullRoute(context.Background(), "t1")
	assert.ErrorIs(t, err, boom)
}

func TestDisplayWindow(t *testing.T) {
	c := New(StaticSource{"t1": stopTimes()}, DefaultLeadStops)
	ctx := context.Background()

	tests := []struct {
		name       string
		start, end gtfs.StopID
		want       []gtfs.StopID
	}{
		{"whole trip", "", "", []gtfs.StopID{"a", "b", "c", "d", "e", "f"}},
		{"lead capped at trip start", "b", "d", []gtfs.StopID{"a", "b", "c", "d"}},
		{"three lead stops", "e", "f", []gtfs.StopID{"b", "c", "d", "e", "f"}},
		{"end before start ignored", "e", "b", []gtfs.StopID{"b", "c", "d", "e", "f"}},
		{"unknown start", "zz", "c", []gtfs.StopID{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.DisplayWindow(ctx, "t1", tt.start, tt.end)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stopIDs(got))
		})
	}
}

func TestDisplayWindow_DoesNotAliasCache(t *testing.T) {
	c := New(StaticSource{"t1": stopTimes()}, 0)
	ctx := context.Background()

	w, err := c.DisplayWindow(ctx, "t1", "b", "c")
	require.NoError(t, err)
	w[0].StopName = "changed"

	full, _ := c.FullRoute(ctx, "t1")
	assert.Equal(t, "B", full[1].StopName)
}

func TestForget(t *testing.T) {
	src := &countingSource{StaticSource: StaticSource{"t1": stopTimes()}}
	c := New(src, DefaultLeadStops)
	ctx := context.Background()

	_, _ = c.FullRoute(ctx, "t1")
	c.Forget("t1")
	_, _ = c.FullRoute(ctx, "t1")
	assert.Equal(t, 2, src.calls)
}
