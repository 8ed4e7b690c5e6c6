// Package riders tracks the riders sharing positions on one trip and derives
// a single bus location from them.
package riders

import (
	"sort"
	"time"

	"bus-tracker/internal/clock"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/gtfs"
)

// DefaultStaleAfter is how long a rider may go without activity before
// other readers consider it gone.
const DefaultStaleAfter = 180 * time.Second

// RiderPosition is the one row each sharing rider owns per trip.
type RiderPosition struct {
	TripID     gtfs.TripID `json:"tripId"`
	UserID     string      `json:"userId"`
	Username   string      `json:"username"`
	Lat        float64     `json:"lat"`
	Lon        float64     `json:"lon"`
	ObservedAt time.Time   `json:"observedAt"`
	LastActive time.Time   `json:"lastActive"`
}

func (p RiderPosition) Point() geo.Point { return geo.Point{Lat: p.Lat, Lon: p.Lon} }

type ChangeKind int

const (
	Added ChangeKind = iota
	Updated
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change describes one marker-level difference between two snapshots.
type Change struct {
	Kind  ChangeKind
	Rider RiderPosition
}

// Aggregator holds the active riders of one trip. It is not safe for
// concurrent use.
type Aggregator struct {
	tripID     gtfs.TripID
	staleAfter time.Duration
	clock      clock.Clock
	active     map[string]RiderPosition
}

func NewAggregator(tripID gtfs.TripID, staleAfter time.Duration, clk clock.Clock) *Aggregator {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Aggregator{
		tripID:     tripID,
		staleAfter: staleAfter,
		clock:      clk,
		active:     make(map[string]RiderPosition),
	}
}

// IsStale reports whether p has been inactive for longer than the timeout.
func (a *Aggregator) IsStale(p RiderPosition, now time.Time) bool {
	return now.Sub(p.LastActive) > a.staleAfter
}

// Apply replaces the active set with a store snapshot. Rows of other trips
// are ignored, duplicates keep the most recent row per user and stale rows
// are dropped. It returns the marker changes against the previous set and
// the stale rows, which the caller may delete from the store.
func (a *Aggregator) Apply(snapshot []RiderPosition) (changes []Change, stale []RiderPosition) {
	now := a.clock.Now()
	next := make(map[string]RiderPosition, len(snapshot))
	for _, p := range snapshot {
		if p.TripID != a.tripID {
			continue
		}
		if a.IsStale(p, now) {
			stale = append(stale, p)
			continue
		}
		if cur, ok := next[p.UserID]; ok && !newer(p, cur) {
			continue
		}
		next[p.UserID] = p
	}

	for id, p := range next {
		prev, ok := a.active[id]
		switch {
		case !ok:
			changes = append(changes, Change{Kind: Added, Rider: p})
		case !same(prev, p):
			changes = append(changes, Change{Kind: Updated, Rider: p})
		}
	}
	for id, p := range a.active {
		if _, ok := next[id]; !ok {
			changes = append(changes, Change{Kind: Removed, Rider: p})
		}
	}
	a.active = next

	sort.Slice(changes, func(i, j int) bool { return changes[i].Rider.UserID < changes[j].Rider.UserID })
	return changes, stale
}

// Active returns the riders that are not stale as of now, ordered by user id.
func (a *Aggregator) Active() []RiderPosition {
	now := a.clock.Now()
	out := make([]RiderPosition, 0, len(a.active))
	for _, p := range a.active {
		if !a.IsStale(p, now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Consensus is the plain mean of the active riders' coordinates. It has no
// weighting or outlier rejection, so a rider waiting at a stop pulls the
// estimate off the bus. ok is false when nobody is active.
func (a *Aggregator) Consensus() (geo.Point, bool) {
	return Mean(a.Active())
}

// Mean averages rider coordinates.
func Mean(ps []RiderPosition) (geo.Point, bool) {
	if len(ps) == 0 {
		return geo.Point{}, false
	}
	var lat, lon float64
	for _, p := range ps {
		lat += p.Lat
		lon += p.Lon
	}
	n := float64(len(ps))
	return geo.Point{Lat: lat / n, Lon: lon / n}, true
}

func newer(a, b RiderPosition) bool {
	if !a.LastActive.Equal(b.LastActive) {
		return a.LastActive.After(b.LastActive)
	}
	return a.ObservedAt.After(b.ObservedAt)
}

func same(a, b RiderPosition) bool {
	return a.TripID == b.TripID && a.UserID == b.UserID && a.Username == b.Username &&
		a.Lat == b.Lat && a.Lon == b.Lon &&
		a.ObservedAt.Equal(b.ObservedAt) && a.LastActive.Equal(b.LastActive)
}
