// Package passage detects, infers and reconciles the stops a bus has passed.
package passage

import (
	"time"

	"bus-tracker/internal/gtfs"
)

// Record is evidence that the bus passed a stop. Inferred records are
// back-filled from a later observation rather than seen directly.
type Record struct {
	StopID        gtfs.StopID `json:"stopId"`
	StopName      string      `json:"stopName"`
	Sequence      int         `json:"sequence"`
	PassTime      time.Time   `json:"passTime"`
	ScheduledTime string      `json:"scheduledTime,omitempty"`
	DelayMinutes  int         `json:"delayMinutes"`
	Username      string      `json:"username,omitempty"`
	UserID        string      `json:"userId,omitempty"`
	Inferred      bool        `json:"inferred"`
}

// Rider identifies who produced a record.
type Rider struct {
	UserID   string
	Username string
}

// Policy holds the distance and time constants used for detection and
// inference.
type Policy struct {
	// PassRadiusMeters is how close a rider must come to a stop for it to
	// count as passed.
	PassRadiusMeters float64
	// InferRadiusMeters bounds how far the nearest stop may be before
	// inference gives up.
	InferRadiusMeters float64
	// BackfillPerStop is the time assumed between consecutive stops when
	// back-dating inferred passages.
	BackfillPerStop time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		PassRadiusMeters:  50,
		InferRadiusMeters: 500,
		BackfillPerStop:   2 * time.Minute,
	}
}

// PassedSet returns the stop ids present in records.
func PassedSet(records []Record) map[gtfs.StopID]bool {
	set := make(map[gtfs.StopID]bool, len(records))
	for _, r := range records {
		set[r.StopID] = true
	}
	return set
}

// Stamp sets the producing rider on every record.
func Stamp(records []Record, by Rider) []Record {
	for i := range records {
		records[i].UserID = by.UserID
		records[i].Username = by.Username
	}
	return records
}

func fromStop(s gtfs.StopRef, at time.Time, delay int, inferred bool) Record {
	return Record{
		StopID:        s.StopID,
		StopName:      s.StopName,
		Sequence:      s.Sequence,
		PassTime:      at,
		ScheduledTime: s.ScheduledTime,
		DelayMinutes:  delay,
		Inferred:      inferred,
	}
}

// RunHorizon separates runs of a trip. A GTFS trip id repeats every service
// day, so records whose pass times are at least this far apart belong to
// different runs.
const RunHorizon = 12 * time.Hour

// SameRun reports whether two pass times belong to the same run of a trip.
func SameRun(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < RunHorizon
}

// CurrentRun returns the records of the run in progress at now. Records left
// over from an earlier run are dropped.
func CurrentRun(records []Record, now time.Time) []Record {
	var out []Record
	for _, r := range records {
		if now.Sub(r.PassTime) < RunHorizon {
			out = append(out, r)
		}
	}
	return out
}
