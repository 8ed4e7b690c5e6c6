package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceMeters(t *testing.T) {
	tests := []struct {
		name      string
		lat1      float64
		lon1      float64
		lat2      float64
		lon2      float64
		expected  float64
		tolerance float64
	}{
		{
			name:      "same point",
			lat1:      26.2124,
			lon1:      127.6792,
			lat2:      26.2124,
			lon2:      127.6792,
			expected:  0,
			tolerance: 0.001,
		},
		{
			name:      "one degree of latitude",
			lat1:      0,
			lon1:      0,
			lat2:      1,
			lon2:      0,
			expected:  EarthRadiusMeters * math.Pi / 180,
			tolerance: 0.01,
		},
		{
			name:      "quarter of the equator",
			lat1:      0,
			lon1:      0,
			lat2:      0,
			lon2:      90,
			expected:  EarthRadiusMeters * math.Pi / 2,
			tolerance: 0.01,
		},
		{
			name:      "Naha bus terminal to prefectural office",
			lat1:      26.2112,
			lon1:      127.6791,
			lat2:      26.2124,
			lon2:      127.6809,
			expected:  224,
			tolerance: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceMeters(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			assert.InDelta(t, tt.expected, got, tt.tolerance)
		})
	}
}

func TestDistanceMeters_Symmetric(t *testing.T) {
	a := DistanceMeters(26.2, 127.6, 26.3, 127.8)
	b := DistanceMeters(26.3, 127.8, 26.2, 127.6)
	assert.InDelta(t, a, b, 1e-6)
}

func TestDistanceMeters_NaN(t *testing.T) {
	assert.True(t, math.IsNaN(DistanceMeters(math.NaN(), 0, 0, 0)))
	assert.True(t, math.IsNaN(DistanceMeters(0, 0, 0, math.NaN())))
}

func TestOffset_RoundTrip(t *testing.T) {
	origin := Point{Lat: 26.2124, Lon: 127.6792}
	for _, bearing := range []float64{0, 45, 90, 180, 270} {
		p := Offset(origin, bearing, 250)
		assert.InDelta(t, 250, Distance(origin, p), 0.01, "bearing %v", bearing)
	}
}

func TestLerp(t *testing.T) {
	a := Point{Lat: 0, Lon: 0}
	b := Point{Lat: 2, Lon: 4}

	assert.Equal(t, Point{Lat: 1, Lon: 2}, Lerp(a, b, 0.5))
	assert.Equal(t, a, Lerp(a, b, -1))
	assert.Equal(t, b, Lerp(a, b, 3))
}
