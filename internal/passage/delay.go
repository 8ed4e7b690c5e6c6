package passage

import (
	"math"
	"time"

	"bus-tracker/internal/gtfs"
)

// DelayMinutes returns actual minus scheduled, rounded to whole minutes.
// Positive means late. The scheduled time is placed on actual's calendar
// day; hours past 24 roll into the next day. When that lands more than
// half a day away the nearest daily occurrence is used instead, so a
// 25:10 departure observed at 01:12 reads as two minutes late.
// Missing or malformed schedules yield 0.
func DelayMinutes(actual time.Time, scheduled string) int {
	if scheduled == "" {
		return 0
	}
	sched, err := gtfs.OnDay(scheduled, actual)
	if err != nil {
		return 0
	}
	for actual.Sub(sched) > 12*time.Hour {
		sched = sched.AddDate(0, 0, 1)
	}
	for actual.Sub(sched) < -12*time.Hour {
		sched = sched.AddDate(0, 0, -1)
	}
	return int(math.Round(actual.Sub(sched).Minutes()))
}
