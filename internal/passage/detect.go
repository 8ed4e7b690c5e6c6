package passage

import (
	"time"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/gtfs"
)

// Detect returns an observed record for every stop of window within the
// pass radius of pos that is not yet in passed. Several stops may be
// returned when samples are sparse relative to stop spacing.
func (p Policy) Detect(pos geo.Point, at time.Time, window []gtfs.StopRef, passed map[gtfs.StopID]bool) []Record {
	var out []Record
	for _, s := range window {
		if passed[s.StopID] {
			continue
		}
		if geo.DistanceMeters(pos.Lat, pos.Lon, s.Lat, s.Lon) > p.PassRadiusMeters {
			continue
		}
		out = append(out, fromStop(s, at, DelayMinutes(at, s.ScheduledTime), false))
	}
	return out
}
