package geo

import (
	"math"

	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the sphere radius used for all distance math.
const EarthRadiusMeters = 6_371_000.0

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DistanceMeters returns the haversine great-circle distance in meters.
// NaN inputs yield NaN.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// Distance is DistanceMeters for two points.
func Distance(a, b Point) float64 {
	return DistanceMeters(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Offset returns the point reached by travelling distance meters from p
// along the given initial bearing (degrees clockwise from north).
func Offset(p Point, bearing, distance float64) Point {
	latRad := toRad(p.Lat)
	lonRad := toRad(p.Lon)
	brng := toRad(bearing)
	ang := distance / EarthRadiusMeters

	lat2 := math.Asin(math.Sin(latRad)*math.Cos(ang) +
		math.Cos(latRad)*math.Sin(ang)*math.Cos(brng))
	lon2 := lonRad + math.Atan2(math.Sin(brng)*math.Sin(ang)*math.Cos(latRad),
		math.Cos(ang)-math.Sin(latRad)*math.Sin(lat2))

	return Point{Lat: toDeg(lat2), Lon: toDeg(lon2)}
}

// Lerp interpolates linearly between a and b. frac is clamped to [0,1].
func Lerp(a, b Point, frac float64) Point {
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	return Point{
		Lat: a.Lat + (b.Lat-a.Lat)*frac,
		Lon: a.Lon + (b.Lon-a.Lon)*frac,
	}
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }
