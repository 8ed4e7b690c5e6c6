package sim

import (
	"time"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/gtfs"
)

// Keyframe pins the bus to a stop at a scheduled instant.
type Keyframe struct {
	At     time.Time
	Pos    geo.Point
	StopID gtfs.StopID
}

// Schedule is a trip's keyframes in non-decreasing time order.
type Schedule []Keyframe

// BuildSchedule turns stop_times into keyframes on the service day of day.
// Stops without coordinates or usable times are skipped. A stop with a
// dwell contributes both its arrival and its departure.
func BuildSchedule(sts []gtfs.StopTime, day time.Time) Schedule {
	var out Schedule
	appendKF := func(raw string, st gtfs.StopTime) {
		if raw == "" {
			return
		}
		at, err := gtfs.OnDay(raw, day)
		if err != nil {
			return
		}
		if n := len(out); n > 0 {
			last := out[n-1]
			// out-of-order and repeated keyframes are dropped
			if at.Before(last.At) || (at.Equal(last.At) && last.StopID == st.StopID) {
				return
			}
		}
		out = append(out, Keyframe{At: at, Pos: geo.Point{Lat: st.StopLat, Lon: st.StopLon}, StopID: st.StopID})
	}
	for _, st := range sts {
		if st.StopLat == 0 && st.StopLon == 0 {
			continue
		}
		arr, dep := st.ArrivalTime, st.DepartureTime
		if arr == "" {
			arr = dep
		}
		appendKF(arr, st)
		if dep != "" && dep != arr {
			appendKF(dep, st)
		}
	}
	return out
}

func (s Schedule) Start() time.Time { return s[0].At }
func (s Schedule) End() time.Time   { return s[len(s)-1].At }

// PositionAt interpolates the bus position at the given instant, clamped to
// the first and last keyframes.
func (s Schedule) PositionAt(at time.Time) geo.Point {
	n := len(s)
	if !at.After(s[0].At) {
		return s[0].Pos
	}
	if !at.Before(s[n-1].At) {
		return s[n-1].Pos
	}
	// find segment i s.t. s[i].At <= at < s[i+1].At
	i := 0
	for i+1 < n && !at.Before(s[i+1].At) {
		i++
	}
	k0, k1 := s[i], s[i+1]
	dt := k1.At.Sub(k0.At)
	if dt <= 0 {
		return k0.Pos
	}
	return geo.Lerp(k0.Pos, k1.Pos, float64(at.Sub(k0.At))/float64(dt))
}

// LastStop is the stop most recently reached at the given instant, or the
// first stop before the trip starts.
func (s Schedule) LastStop(at time.Time) gtfs.StopID {
	id := s[0].StopID
	for _, k := range s {
		if k.At.After(at) {
			break
		}
		id = k.StopID
	}
	return id
}
