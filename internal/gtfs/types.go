package gtfs

import (
	"time"

	"bus-tracker/internal/geo"
)

// TripID and StopID are opaque identifiers issued by the route catalog.
// Nothing outside the catalog builds or parses them.
type TripID string

type StopID string

// StopRef is one stop of a trip. Sequence is dense and starts at 0.
type StopRef struct {
	StopID        StopID  `json:"stopId"`
	StopName      string  `json:"stopName"`
	Sequence      int     `json:"sequence"`
	ScheduledTime string  `json:"scheduledTime,omitempty"` // HH:MM[:SS], may exceed 24h; empty when unknown
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
}

func (s StopRef) Point() geo.Point { return geo.Point{Lat: s.Lat, Lon: s.Lon} }

type Trip struct {
	TripID    TripID
	RouteID   string
	ServiceID string
}

type ActiveTrip struct {
	Trip
	StartTime time.Time // absolute time (service day, local TZ)
	EndTime   time.Time // absolute time
}

// StopTime is a raw stop_times row joined with its stop.
type StopTime struct {
	StopSequence  int    // GTFS stop_sequence, not necessarily dense
	ArrivalTime   string // raw text, may be empty
	DepartureTime string // raw text, may be empty
	StopID        StopID
	StopName      string
	StopLat       float64
	StopLon       float64
}

// Scheduled returns the arrival time, or the departure time when arrival is missing.
func (st StopTime) Scheduled() string {
	if st.ArrivalTime != "" {
		return st.ArrivalTime
	}
	return st.DepartureTime
}
