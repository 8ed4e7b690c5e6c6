package passage

import (
	"sort"
	"time"

	"bus-tracker/internal/gtfs"
)

// Merge combines passage records into one timeline keyed by stop.
//
// Records are applied in order, existing first. A record replaces the one
// already held for its stop unless that one is observed and the new one is
// inferred. Afterwards every stop of route below the highest passed
// sequence that still has no record is back-filled from that highest
// record. The result is sorted by sequence.
//
// Applying the same records twice gives the same result as applying them
// once, and an observed record wins over an inferred one regardless of
// arrival order.
func (p Policy) Merge(route []gtfs.StopRef, existing, additions []Record) []Record {
	byStop := make(map[gtfs.StopID]Record, len(existing)+len(additions))
	seq := make(map[gtfs.StopID]int, len(route))
	for _, s := range route {
		seq[s.StopID] = s.Sequence
	}

	apply := func(r Record) {
		if n, ok := seq[r.StopID]; ok {
			r.Sequence = n
		}
		if cur, ok := byStop[r.StopID]; ok && !cur.Inferred && r.Inferred {
			return
		}
		byStop[r.StopID] = r
	}
	for _, r := range existing {
		apply(r)
	}
	for _, r := range additions {
		apply(r)
	}

	out := make([]Record, 0, len(byStop))
	for _, r := range byStop {
		out = append(out, r)
	}
	sortRecords(out)

	if ref, ok := highest(out); ok {
		known := PassedSet(out)
		gaps := p.backfill(route, ref.Sequence, known, func(s gtfs.StopRef, steps int) Record {
			passAt := ref.PassTime.Add(-time.Duration(steps) * p.BackfillPerStop)
			delay := ref.DelayMinutes
			if _, err := gtfs.ParseDaySeconds(s.ScheduledTime); err == nil {
				delay = DelayMinutes(passAt, s.ScheduledTime)
			}
			r := fromStop(s, passAt, delay, true)
			r.UserID = ref.UserID
			r.Username = ref.Username
			return r
		})
		if len(gaps) > 0 {
			out = append(out, gaps...)
			sortRecords(out)
		}
	}
	return out
}

// highest returns the record with the largest sequence, preferring an
// observed one on ties. records must be sorted.
func highest(records []Record) (Record, bool) {
	if len(records) == 0 {
		return Record{}, false
	}
	best := records[len(records)-1]
	for i := len(records) - 2; i >= 0 && records[i].Sequence == best.Sequence; i-- {
		if best.Inferred && !records[i].Inferred {
			best = records[i]
		}
	}
	return best, true
}

func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Sequence != records[j].Sequence {
			return records[i].Sequence < records[j].Sequence
		}
		return records[i].StopID < records[j].StopID
	})
}
