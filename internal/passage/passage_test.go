package passage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/gtfs"
)

var (
	origin = geo.Point{Lat: 26.2124, Lon: 127.6792}
	now    = time.Date(2025, 6, 15, 8, 7, 30, 0, time.UTC)
)

// testRoute lays four stops 400m apart heading east, five minutes apart
// from 07:50.
func testRoute() []gtfs.StopRef {
	names := []string{"S0", "S1", "S2", "S3"}
	times := []string{"07:50:00", "07:55:00", "08:00:00", "08:05:00"}
	out := make([]gtfs.StopRef, len(names))
	for i := range names {
		p := geo.Offset(origin, 90, float64(i)*400)
		out[i] = gtfs.StopRef{
			StopID:        gtfs.StopID(names[i]),
			StopName:      names[i],
			Sequence:      i,
			ScheduledTime: times[i],
			Lat:           p.Lat,
			Lon:           p.Lon,
		}
	}
	return out
}

func near(s gtfs.StopRef, meters float64) geo.Point {
	return geo.Offset(s.Point(), 0, meters)
}

func ids(records []Record) []gtfs.StopID {
	out := make([]gtfs.StopID, len(records))
	for i, r := range records {
		out[i] = r.StopID
	}
	return out
}

func TestDelayMinutes(t *testing.T) {
	day := func(h, m, s int) time.Time { return time.Date(2025, 6, 15, h, m, s, 0, time.UTC) }

	tests := []struct {
		name      string
		actual    time.Time
		scheduled string
		want      int
	}{
		{"late, rounds half up", day(8, 7, 30), "08:00:00", 8},
		{"early", day(7, 55, 0), "08:00:00", -5},
		{"early half minute rounds away from zero", day(7, 52, 30), "08:00:00", -8},
		{"on time", day(8, 0, 20), "08:00", 0},
		{"missing schedule", day(8, 0, 0), "", 0},
		{"unparsable schedule", day(8, 0, 0), "soon", 0},
		{"past midnight service", day(1, 12, 0), "25:10:00", 2},
		{"midnight rollover", day(23, 58, 0), "24:00:00", -2},
		{"early morning before late schedule", day(0, 5, 0), "23:55:00", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DelayMinutes(tt.actual, tt.scheduled))
		})
	}
}

func TestDetect(t *testing.T) {
	p := DefaultPolicy()
	route := testRoute()

	got := p.Detect(near(route[2], 30), now, route, nil)
	require.Len(t, got, 1)
	assert.Equal(t, gtfs.StopID("S2"), got[0].StopID)
	assert.False(t, got[0].Inferred)
	assert.Equal(t, now, got[0].PassTime)
	assert.Equal(t, 8, got[0].DelayMinutes)
	assert.Equal(t, 2, got[0].Sequence)

	assert.Empty(t, p.Detect(near(route[2], 60), now, route, nil))
}

func TestDetect_NeverReemitsPassedStop(t *testing.T) {
	p := DefaultPolicy()
	route := testRoute()
	passed := map[gtfs.StopID]bool{"S2": true}

	for _, d := range []float64{0, 10, 30, 49} {
		assert.Empty(t, p.Detect(near(route[2], d), now, route, passed))
	}
}

func TestDetect_SeveralStopsInOneSample(t *testing.T) {
	p := DefaultPolicy()
	a := gtfs.StopRef{StopID: "a", Sequence: 0, Lat: origin.Lat, Lon: origin.Lon}
	bp := geo.Offset(origin, 90, 60)
	b := gtfs.StopRef{StopID: "b", Sequence: 1, Lat: bp.Lat, Lon: bp.Lon}

	got := p.Detect(geo.Offset(origin, 90, 30), now, []gtfs.StopRef{a, b}, nil)
	assert.Equal(t, []gtfs.StopID{"a", "b"}, ids(got))
}

func TestInfer(t *testing.T) {
	p := DefaultPolicy()
	route := testRoute()

	got := p.Infer(near(route[2], 30), now, route, nil)
	require.Equal(t, []gtfs.StopID{"S0", "S1"}, ids(got))
	for _, r := range got {
		assert.True(t, r.Inferred)
	}
	assert.Equal(t, now.Add(-4*time.Minute), got[0].PassTime)
	assert.Equal(t, now.Add(-2*time.Minute), got[1].PassTime)
	// 08:03:30 against 07:50 and 08:05:30 against 07:55.
	assert.Equal(t, 14, got[0].DelayMinutes)
	assert.Equal(t, 11, got[1].DelayMinutes)
}

func TestInfer_SkipsKnownStops(t *testing.T) {
	p := DefaultPolicy()
	route := testRoute()

	got := p.Infer(near(route[3], 0), now, route, map[gtfs.StopID]bool{"S1": true})
	assert.Equal(t, []gtfs.StopID{"S0", "S2"}, ids(got))
}

func TestInfer_TooFarFromRoute(t *testing.T) {
	p := DefaultPolicy()
	route := testRoute()

	assert.Empty(t, p.Infer(near(route[2], 501), now, route, nil))
	assert.Empty(t, p.Infer(origin, now, nil, nil))
}

func TestInfer_NeverReachesNearestStop(t *testing.T) {
	p := DefaultPolicy()
	route := testRoute()

	for k, s := range route {
		for _, r := range p.Infer(near(s, 20), now, route, nil) {
			assert.Less(t, r.Sequence, k)
		}
	}
}

func TestInfer_BackfillPolicyKnob(t *testing.T) {
	p := DefaultPolicy()
	p.BackfillPerStop = 90 * time.Second
	route := testRoute()

	got := p.Infer(near(route[2], 0), now, route, nil)
	require.Len(t, got, 2)
	assert.Equal(t, now.Add(-3*time.Minute), got[0].PassTime)
}

func TestMerge_Idempotent(t *testing.T) {
	p := DefaultPolicy()
	route := testRoute()
	r := []Record{
		{StopID: "S0", Sequence: 0, PassTime: now.Add(-6 * time.Minute), Inferred: true},
		{StopID: "S2", Sequence: 2, PassTime: now, DelayMinutes: 8, UserID: "u1", Username: "kana"},
	}

	assert.Equal(t, p.Merge(route, r, nil), p.Merge(route, r, r))
}

func TestMerge_ObservedWinsEitherOrder(t *testing.T) {
	p := DefaultPolicy()
	route := testRoute()
	inferred := Record{StopID: "S1", Sequence: 1, PassTime: now.Add(-time.Minute), Inferred: true}
	observed := Record{StopID: "S1", Sequence: 1, PassTime: now, DelayMinutes: 12}

	a := p.Merge(route, []Record{inferred}, []Record{observed})
	b := p.Merge(route, []Record{observed}, []Record{inferred})

	assert.Equal(t, a, b)
	i := indexOfStop(a, "S1")
	require.GreaterOrEqual(t, i, 0)
	assert.False(t, a[i].Inferred)
	assert.Equal(t, 12, a[i].DelayMinutes)
}

func TestMerge_LastObservedWins(t *testing.T) {
	p := DefaultPolicy()
	first := Record{StopID: "S0", Sequence: 0, PassTime: now, DelayMinutes: 1}
	second := Record{StopID: "S0", Sequence: 0, PassTime: now, DelayMinutes: 2}

	got := p.Merge(nil, []Record{first}, []Record{second})
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].DelayMinutes)
}

func TestMerge_FillsGapsFromHighestRecord(t *testing.T) {
	p := DefaultPolicy()
	route := testRoute()
	ref := Record{StopID: "S3", Sequence: 3, PassTime: now, DelayMinutes: 3, UserID: "u2", Username: "yui"}

	got := p.Merge(route, nil, []Record{ref})
	require.Equal(t, []gtfs.StopID{"S0", "S1", "S2", "S3"}, ids(got))
	for _, r := range got[:3] {
		assert.True(t, r.Inferred)
		assert.Equal(t, "u2", r.UserID)
		assert.Equal(t, "yui", r.Username)
	}
	assert.Equal(t, now.Add(-6*time.Minute), got[0].PassTime)
	assert.Equal(t, now.Add(-2*time.Minute), got[2].PassTime)
	// 08:05:30 against 08:00.
	assert.Equal(t, 6, got[2].DelayMinutes)
}

func TestMerge_GapWithoutScheduleUsesReferenceDelay(t *testing.T) {
	p := DefaultPolicy()
	route := testRoute()
	route[1].ScheduledTime = ""
	ref := Record{StopID: "S2", Sequence: 2, PassTime: now, DelayMinutes: 8}

	got := p.Merge(route, nil, []Record{ref})
	i := indexOfStop(got, "S1")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, 8, got[i].DelayMinutes)
}

func TestMerge_TakesSequenceFromRoute(t *testing.T) {
	p := DefaultPolicy()
	route := testRoute()
	peer := Record{StopID: "S1", Sequence: 99, PassTime: now}

	got := p.Merge(route, nil, []Record{peer})
	i := indexOfStop(got, "S1")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, 1, got[i].Sequence)
}

func TestScenario_MidRouteBoarding(t *testing.T) {
	p := DefaultPolicy()
	route := testRoute()
	pos := near(route[2], 30)

	inferred := p.Infer(pos, now, route, nil)
	merged := p.Merge(route, nil, inferred)
	observed := p.Detect(pos, now, route, PassedSet(merged))
	// S2 is not in the inferred set, so it is still detectable.
	require.Len(t, observed, 1)
	merged = p.Merge(route, merged, observed)

	require.Equal(t, []gtfs.StopID{"S0", "S1", "S2"}, ids(merged))
	assert.True(t, merged[0].Inferred)
	assert.True(t, merged[1].Inferred)
	assert.False(t, merged[2].Inferred)
}

func TestLatestAndTripDelay(t *testing.T) {
	_, ok := TripDelay(nil)
	assert.False(t, ok)
	_, ok = Latest(nil)
	assert.False(t, ok)

	records := []Record{
		{StopID: "S0", Sequence: 0, DelayMinutes: 4},
		{StopID: "S1", Sequence: 1, DelayMinutes: 6},
		{StopID: "S2", Sequence: 2, DelayMinutes: 9, Inferred: true},
	}
	d, ok := TripDelay(records)
	require.True(t, ok)
	assert.Equal(t, 6, d)

	last, ok := Latest(records)
	require.True(t, ok)
	assert.Equal(t, gtfs.StopID("S2"), last.StopID)

	d, ok = TripDelay(records[2:])
	require.True(t, ok)
	assert.Equal(t, 9, d)
}

func TestEstimatedArrivals(t *testing.T) {
	route := testRoute()
	records := []Record{{StopID: "S1", Sequence: 1, DelayMinutes: 3}}

	got := EstimatedArrivals(route, records, now)
	assert.Equal(t, map[gtfs.StopID]string{"S2": "08:03", "S3": "08:08"}, got)
}

func TestCurrentRun(t *testing.T) {
	records := []Record{
		{StopID: "S0", Sequence: 0, PassTime: now.Add(-24 * time.Hour), DelayMinutes: 40},
		{StopID: "S1", Sequence: 1, PassTime: now.Add(-RunHorizon)},
		{StopID: "S2", Sequence: 2, PassTime: now.Add(-RunHorizon + time.Second)},
		{StopID: "S3", Sequence: 3, PassTime: now},
	}
	assert.Equal(t, []gtfs.StopID{"S2", "S3"}, ids(CurrentRun(records, now)))
	assert.Empty(t, CurrentRun(records[:2], now))

	assert.True(t, SameRun(now, now.Add(-time.Hour)))
	assert.True(t, SameRun(now.Add(-time.Hour), now))
	assert.False(t, SameRun(now, now.Add(-24*time.Hour)))
	assert.False(t, SameRun(now, now.Add(RunHorizon)))
}

func indexOfStop(records []Record, id gtfs.StopID) int {
	for i, r := range records {
		if r.StopID == id {
			return i
		}
	}
	return -1
}
