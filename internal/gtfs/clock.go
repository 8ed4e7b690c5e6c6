package gtfs

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDaySeconds parses HH:MM[:SS] into seconds since the start of the
// service day. Hours may be 24 or more for trips running past midnight.
func ParseDaySeconds(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid schedule time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	sec := 0
	if len(parts) == 3 {
		sec, err = strconv.Atoi(parts[2])
		if err != nil || sec < 0 || sec > 59 {
			return 0, fmt.Errorf("invalid second in %q", s)
		}
	}
	return h*3600 + m*60 + sec, nil
}

// OnDay places a schedule time on the calendar day of ref (in ref's
// location). Hours >= 24 roll over to the following day(s).
func OnDay(s string, ref time.Time) (time.Time, error) {
	secs, err := ParseDaySeconds(s)
	if err != nil {
		return time.Time{}, err
	}
	y, mo, d := ref.Date()
	h := secs / 3600
	mi := (secs % 3600) / 60
	return time.Date(y, mo, d, h, mi, secs%60, 0, ref.Location()), nil
}

// FormatClock renders t as HH:MM.
func FormatClock(t time.Time) string {
	return t.Format("15:04")
}
