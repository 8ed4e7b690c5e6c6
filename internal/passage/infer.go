package passage

import (
	"time"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/gtfs"
)

// Infer back-fills the stops before the one nearest to pos, for riders who
// first report mid-route. Nothing is inferred when the nearest stop is
// farther than the infer radius. Stops in known are skipped.
//
// Each inferred pass time is at minus BackfillPerStop for every stop
// between it and the nearest one.
func (p Policy) Infer(pos geo.Point, at time.Time, window []gtfs.StopRef, known map[gtfs.StopID]bool) []Record {
	k, d := gtfs.NearestStop(pos, window)
	if k < 0 || d > p.InferRadiusMeters {
		return nil
	}
	return p.backfill(window, window[k].Sequence, known, func(s gtfs.StopRef, steps int) Record {
		passAt := at.Add(-time.Duration(steps) * p.BackfillPerStop)
		return fromStop(s, passAt, DelayMinutes(passAt, s.ScheduledTime), true)
	})
}

// backfill synthesizes a record for every stop of route below seq that is
// not in known. steps is the sequence distance to seq.
func (p Policy) backfill(route []gtfs.StopRef, seq int, known map[gtfs.StopID]bool, synth func(s gtfs.StopRef, steps int) Record) []Record {
	var out []Record
	seen := make(map[gtfs.StopID]bool)
	for _, s := range route {
		steps := seq - s.Sequence
		if steps <= 0 || known[s.StopID] || seen[s.StopID] {
			continue
		}
		seen[s.StopID] = true
		out = append(out, synth(s, steps))
	}
	return out
}
