// Package validate decides whether a rider position may be shared for a trip.
package validate

import (
	"fmt"
	"math"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/gtfs"
)

// DefaultCorridorMeters is how far a rider may be from the nearest stop of
// the full route and still share.
const DefaultCorridorMeters = 500.0

const reasonNoStopData = "no stop data"

// Result reports the outcome of a validation. NearestStop is nil only when
// the route is empty.
type Result struct {
	Valid           bool
	Reason          string
	NearestStop     *gtfs.StopRef
	NearestDistance float64
}

// Error is returned by Check when a position falls outside the corridor.
type Error struct {
	Result Result
}

func (e *Error) Error() string { return "position rejected: " + e.Result.Reason }

// Validator checks positions against the full route of a trip.
type Validator struct {
	CorridorMeters float64
}

func New(corridorMeters float64) Validator {
	if corridorMeters <= 0 {
		corridorMeters = DefaultCorridorMeters
	}
	return Validator{CorridorMeters: corridorMeters}
}

// Validate measures pos against every stop of fullRoute. The corridor bound
// is inclusive.
func (v Validator) Validate(pos geo.Point, fullRoute []gtfs.StopRef) Result {
	if len(fullRoute) == 0 {
		return Result{Valid: false, Reason: reasonNoStopData, NearestDistance: math.Inf(1)}
	}
	idx, dist := gtfs.NearestStop(pos, fullRoute)
	nearest := fullRoute[idx]
	res := Result{NearestStop: &nearest, NearestDistance: dist}
	if dist <= v.CorridorMeters {
		res.Valid = true
		return res
	}
	res.Reason = fmt.Sprintf("nearest stop %q is %.0fm away (limit %.0fm)", nearest.StopName, dist, v.CorridorMeters)
	return res
}

// Check is Validate returning an *Error for rejected positions.
func (v Validator) Check(pos geo.Point, fullRoute []gtfs.StopRef) (Result, error) {
	res := v.Validate(pos, fullRoute)
	if !res.Valid {
		return res, &Error{Result: res}
	}
	return res, nil
}
