package gtfs

import (
	"math"

	"bus-tracker/internal/geo"
)

// NearestStop returns the index of the stop closest to pos and its distance
// in meters. Ties keep the earliest stop. It returns -1 for an empty slice.
func NearestStop(pos geo.Point, stops []StopRef) (int, float64) {
	best := -1
	bestDist := math.Inf(1)
	for i, s := range stops {
		d := geo.DistanceMeters(pos.Lat, pos.Lon, s.Lat, s.Lon)
		if best == -1 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}

// IndexOf returns the position of id in stops, or -1.
func IndexOf(stops []StopRef, id StopID) int {
	for i, s := range stops {
		if s.StopID == id {
			return i
		}
	}
	return -1
}
