// Package sensor delivers a rider's device location as one-shot fixes and a
// continuous watch.
package sensor

import (
	"context"
	"time"

	"bus-tracker/internal/geo"
)

type Kind int

const (
	PermissionDenied Kind = iota + 1
	PositionUnavailable
	Timeout
)

func (k Kind) String() string {
	switch k {
	case PermissionDenied:
		return "permission-denied"
	case PositionUnavailable:
		return "position-unavailable"
	case Timeout:
		return "timeout"
	}
	return "unknown"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for _, k := range []Kind{PermissionDenied, PositionUnavailable, Timeout} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Error is a failure reported by the location source. All kinds are
// retryable by the rider; PermissionDenied needs a settings change first.
type Error struct {
	Kind Kind
}

func (e *Error) Error() string { return "geolocation: " + e.Kind.String() }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

type Fix struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

func (f Fix) Point() geo.Point { return geo.Point{Lat: f.Lat, Lon: f.Lon} }

// Reading is one watch event: a fix or a failure.
type Reading struct {
	Fix Fix
	Err error
}

type Sensor interface {
	// CurrentPosition waits for a single fix.
	CurrentPosition(ctx context.Context) (Fix, error)
	// Watch streams readings until ctx ends, then closes the channel.
	Watch(ctx context.Context) (<-chan Reading, error)
}
