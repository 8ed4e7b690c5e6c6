// Package catalog resolves the ordered stops of a trip and memoizes them
// per trip for the life of the process.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"bus-tracker/internal/gtfs"
)

// ErrNoStopData means the trip is unknown or has no stops.
var ErrNoStopData = errors.New("route data unavailable")

// DefaultLeadStops is how many stops before the boarding stop a display
// window includes.
const DefaultLeadStops = 3

// Source loads the raw stop_times of a trip, in any order.
type Source interface {
	TripStopTimes(ctx context.Context, tripID gtfs.TripID) ([]gtfs.StopTime, error)
}

// Catalog is a memoizing route catalog client. It is safe for concurrent use.
type Catalog struct {
	src       Source
	leadStops int

	mu    sync.RWMutex
	trips map[gtfs.TripID][]gtfs.StopRef
}

func New(src Source, leadStops int) *Catalog {
	if leadStops < 0 {
		leadStops = DefaultLeadStops
	}
	return &Catalog{
		src:       src,
		leadStops: leadStops,
		trips:     make(map[gtfs.TripID][]gtfs.StopRef),
	}
}

// FullRoute returns every stop of the trip, de-duplicated by stop id and
// renumbered densely from 0 in stop_sequence order. Failed or empty
// lookups are not cached.
func (c *Catalog) FullRoute(ctx context.Context, tripID gtfs.TripID) ([]gtfs.StopRef, error) {
	c.mu.RLock()
	stops, ok := c.trips[tripID]
	c.mu.RUnlock()
	if ok {
		return stops, nil
	}

	sts, err := c.src.TripStopTimes(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("load stops for trip %s: %w", tripID, err)
	}
	stops = buildRoute(sts)
	if len(stops) == 0 {
		return nil, fmt.Errorf("trip %s: %w", tripID, ErrNoStopData)
	}

	c.mu.Lock()
	if cached, ok := c.trips[tripID]; ok {
		stops = cached
	} else {
		c.trips[tripID] = stops
	}
	c.mu.Unlock()
	return stops, nil
}

// DisplayWindow returns the contiguous stops from startStopID to
// endStopID, extended by up to leadStops stops before the start. An empty
// start means the first stop and an empty end the last one. An end before
// the start, or an unknown id, yields the stops up to the end of the trip
// from the start.
func (c *Catalog) DisplayWindow(ctx context.Context, tripID gtfs.TripID, startStopID, endStopID gtfs.StopID) ([]gtfs.StopRef, error) {
	full, err := c.FullRoute(ctx, tripID)
	if err != nil {
		return nil, err
	}
	start := 0
	if startStopID != "" {
		if i := gtfs.IndexOf(full, startStopID); i >= 0 {
			start = i
		}
	}
	end := len(full) - 1
	if endStopID != "" {
		if i := gtfs.IndexOf(full, endStopID); i >= start {
			end = i
		}
	}
	from := start - c.leadStops
	if from < 0 {
		from = 0
	}
	out := make([]gtfs.StopRef, end-from+1)
	copy(out, full[from:end+1])
	return out, nil
}

// Forget drops a memoized trip.
func (c *Catalog) Forget(tripID gtfs.TripID) {
	c.mu.Lock()
	delete(c.trips, tripID)
	c.mu.Unlock()
}

func buildRoute(sts []gtfs.StopTime) []gtfs.StopRef {
	sorted := make([]gtfs.StopTime, len(sts))
	copy(sorted, sts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StopSequence < sorted[j].StopSequence })

	seen := make(map[gtfs.StopID]bool, len(sorted))
	out := make([]gtfs.StopRef, 0, len(sorted))
	for _, st := range sorted {
		if st.StopID == "" || seen[st.StopID] {
			continue
		}
		seen[st.StopID] = true
		name := st.StopName
		if name == "" {
			name = string(st.StopID)
		}
		out = append(out, gtfs.StopRef{
			StopID:        st.StopID,
			StopName:      name,
			Sequence:      len(out),
			ScheduledTime: st.Scheduled(),
			Lat:           st.StopLat,
			Lon:           st.StopLon,
		})
	}
	return out
}

// StaticSource serves stop_times from memory.
type StaticSource map[gtfs.TripID][]gtfs.StopTime

func (s StaticSource) TripStopTimes(_ context.Context, tripID gtfs.TripID) ([]gtfs.StopTime, error) {
	return s[tripID], nil
}
