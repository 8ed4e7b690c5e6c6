package validate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/gtfs"
)

var origin = geo.Point{Lat: 26.2124, Lon: 127.6792}

func route() []gtfs.StopRef {
	s1 := geo.Offset(origin, 90, 800)
	s2 := geo.Offset(origin, 90, 1600)
	return []gtfs.StopRef{
		{StopID: "a", StopName: "Asahibashi", Sequence: 0, Lat: origin.Lat, Lon: origin.Lon},
		{StopID: "b", StopName: "Kencho-mae", Sequence: 1, Lat: s1.Lat, Lon: s1.Lon},
		{StopID: "c", StopName: "Makishi", Sequence: 2, Lat: s2.Lat, Lon: s2.Lon},
	}
}

func TestValidate_EmptyRoute(t *testing.T) {
	res := New(0).Validate(origin, nil)
	assert.False(t, res.Valid)
	assert.Equal(t, "no stop data", res.Reason)
	assert.Nil(t, res.NearestStop)
}

func TestValidate_Boundary(t *testing.T) {
	stops := route()[:1]
	v := New(DefaultCorridorMeters)

	inside := geo.Offset(origin, 0, 499.99)
	assert.True(t, v.Validate(inside, stops).Valid)

	outside := geo.Offset(origin, 0, 500.1)
	res := v.Validate(outside, stops)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "Asahibashi")
	assert.InDelta(t, 500.1, res.NearestDistance, 0.01)
}

func TestValidate_InclusiveAtExactDistance(t *testing.T) {
	stops := route()[:1]
	pos := geo.Offset(origin, 0, 500)
	exact := geo.Distance(pos, origin)

	assert.True(t, Validator{CorridorMeters: exact}.Validate(pos, stops).Valid)
	assert.False(t, Validator{CorridorMeters: exact - 0.1}.Validate(pos, stops).Valid)
}

func TestValidate_UsesWholeRoute(t *testing.T) {
	stops := route()
	// Midway between the 2nd and 3rd stop, far from the first one.
	pos := geo.Offset(origin, 90, 1200)

	res := New(0).Validate(pos, stops)
	require.True(t, res.Valid)
	require.NotNil(t, res.NearestStop)
	assert.InDelta(t, 400, res.NearestDistance, 0.5)

	// Only the first stop would reject the same position.
	assert.False(t, New(0).Validate(pos, stops[:1]).Valid)
}

func TestCheck_ReturnsTypedError(t *testing.T) {
	pos := geo.Offset(origin, 180, 2000)
	res, err := New(0).Check(pos, route())

	require.Error(t, err)
	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, res, verr.Result)
	assert.Equal(t, gtfs.StopID("a"), verr.Result.NearestStop.StopID)
}
