package passage

import (
	"time"

	"bus-tracker/internal/gtfs"
)

// Latest returns the passed record with the highest sequence.
func Latest(records []Record) (Record, bool) {
	var best Record
	found := false
	for _, r := range records {
		if !found || r.Sequence > best.Sequence || (r.Sequence == best.Sequence && best.Inferred && !r.Inferred) {
			best, found = r, true
		}
	}
	return best, found
}

// TripDelay derives the current delay of the trip: the delay at the
// furthest observed stop, or at the furthest inferred one when nothing was
// observed. ok is false when there are no records.
func TripDelay(records []Record) (minutes int, ok bool) {
	var obs, furthest Record
	var haveObs, haveAny bool
	for _, r := range records {
		if !haveAny || r.Sequence > furthest.Sequence {
			furthest, haveAny = r, true
		}
		if !r.Inferred && (!haveObs || r.Sequence > obs.Sequence) {
			obs, haveObs = r, true
		}
	}
	switch {
	case haveObs:
		return obs.DelayMinutes, true
	case haveAny:
		return furthest.DelayMinutes, true
	}
	return 0, false
}

// EstimatedArrivals projects HH:MM arrival times for the stops of route
// beyond the furthest passed one, shifting each schedule by the trip delay.
// Stops without a usable schedule are omitted.
func EstimatedArrivals(route []gtfs.StopRef, records []Record, now time.Time) map[gtfs.StopID]string {
	delay, _ := TripDelay(records)
	last := -1
	if r, ok := Latest(records); ok {
		last = r.Sequence
	}
	out := make(map[gtfs.StopID]string)
	for _, s := range route {
		if s.Sequence <= last || s.ScheduledTime == "" {
			continue
		}
		at, err := gtfs.OnDay(s.ScheduledTime, now)
		if err != nil {
			continue
		}
		out[s.StopID] = gtfs.FormatClock(at.Add(time.Duration(delay) * time.Minute))
	}
	return out
}
