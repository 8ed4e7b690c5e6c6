package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bus-tracker/internal/gtfs"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// GTFS serves static schedule lookups to the route catalog and the simulator.
type GTFS struct {
	DB *sql.DB
}

func (g GTFS) TripStopTimes(ctx context.Context, tripID gtfs.TripID) ([]gtfs.StopTime, error) {
	return FetchStopTimes(ctx, g.DB, tripID)
}

func (g GTFS) ActiveTrips(ctx context.Context, now time.Time) ([]gtfs.ActiveTrip, error) {
	return FetchActiveTrips(ctx, g.DB, now)
}

// FetchActiveTrips returns trips that are active on the given date
// and their start/end absolute times based on stop_times.
func FetchActiveTrips(ctx context.Context, db *sql.DB, now time.Time) ([]gtfs.ActiveTrip, error) {
	serviceIDs, err := fetchActiveServiceIDs(ctx, db, now)
	if err != nil {
		return nil, err
	}
	if len(serviceIDs) == 0 {
		return nil, nil
	}

	q := `SELECT trip_id, route_id, service_id FROM trips WHERE service_id = ANY($1)`
	rows, err := db.QueryContext(ctx, q, serviceIDs)
	if err != nil {
		return nil, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()

	var trips []gtfs.ActiveTrip
	for rows.Next() {
		var t gtfs.ActiveTrip
		var tripID string
		if err := rows.Scan(&tripID, &t.RouteID, &t.ServiceID); err != nil {
			return nil, err
		}
		t.TripID = gtfs.TripID(tripID)
		trips = append(trips, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	// Derive start/end times from stop_times once the trips cursor is released.
	out := trips[:0]
	for _, t := range trips {
		st, err := fetchTripStartEnd(ctx, db, t.TripID, now)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, err
		}
		t.StartTime, t.EndTime = st[0], st[1]
		out = append(out, t)
	}
	return out, nil
}

func fetchActiveServiceIDs(ctx context.Context, db *sql.DB, now time.Time) ([]string, error) {
	date := now.Format("2006-01-02")
	dow := int(now.Weekday()) // 0=Sunday

	// calendar has booleans (0/1). calendar_dates has exception_type (1 add, 2 remove)
	q := `
WITH base AS (
  SELECT service_id
  FROM calendar
  WHERE start_date <= $1::date AND end_date >= $1::date
    AND (
      ($2 = 0 AND (sunday::text IN ('1','t','true','available'))) OR
      ($2 = 1 AND (monday::text IN ('1','t','true','available'))) OR
      ($2 = 2 AND (tuesday::text IN ('1','t','true','available'))) OR
      ($2 = 3 AND (wednesday::text IN ('1','t','true','available'))) OR
      ($2 = 4 AND (thursday::text IN ('1','t','true','available'))) OR
      ($2 = 5 AND (friday::text IN ('1','t','true','available'))) OR
      ($2 = 6 AND (saturday::text IN ('1','t','true','available')))
    )
), add_exc AS (
  SELECT service_id FROM calendar_dates WHERE date = $1::date AND (exception_type::text IN ('1','added'))
), rm_exc AS (
  SELECT service_id FROM calendar_dates WHERE date = $1::date AND (exception_type::text IN ('2','removed'))
), merged AS (
  SELECT service_id FROM base
  UNION
  SELECT service_id FROM add_exc
)
SELECT DISTINCT service_id FROM merged
WHERE service_id NOT IN (SELECT service_id FROM rm_exc)
`

	rows, err := db.QueryContext(ctx, q, date, dow)
	if err != nil {
		return nil, fmt.Errorf("query active services: %w", err)
	}
	defer rows.Close()
	var svc []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		svc = append(svc, s)
	}
	return svc, rows.Err()
}

func fetchTripStartEnd(ctx context.Context, db *sql.DB, tripID gtfs.TripID, now time.Time) ([2]time.Time, error) {
	q := `
SELECT COALESCE(MIN(departure_time)::text, MIN(arrival_time)::text) AS start_t,
       COALESCE(MAX(arrival_time)::text, MAX(departure_time)::text) AS end_t
FROM stop_times WHERE trip_id = $1`

	var startS, endS sql.NullString
	if err := db.QueryRowContext(ctx, q, string(tripID)).Scan(&startS, &endS); err != nil {
		return [2]time.Time{}, err
	}
	if !startS.Valid || !endS.Valid {
		return [2]time.Time{}, sql.ErrNoRows
	}

	start, err := gtfs.OnDay(startS.String, now)
	if err != nil {
		return [2]time.Time{}, sql.ErrNoRows
	}
	end, err := gtfs.OnDay(endS.String, now)
	if err != nil {
		return [2]time.Time{}, sql.ErrNoRows
	}
	if end.Before(start) {
		end = end.Add(24 * time.Hour)
	}
	return [2]time.Time{start, end}, nil
}

// FetchStopTimes returns a trip's stop_times with stop names and coordinates,
// ordered by stop_sequence.
func FetchStopTimes(ctx context.Context, db *sql.DB, tripID gtfs.TripID) ([]gtfs.StopTime, error) {
	// Prefer stop_lat/stop_lon, but support PostGIS stop_loc geography as fallback
	latlonExists, err := hasColumns(ctx, db, "public", "stops", "stop_lat", "stop_lon")
	if err != nil {
		return nil, fmt.Errorf("introspect stops columns: %w", err)
	}
	var q string
	if latlonExists["stop_lat"] && latlonExists["stop_lon"] {
		q = `SELECT st.stop_sequence,
                    COALESCE(st.arrival_time::text,''),
                    COALESCE(st.departure_time::text,''),
                    st.stop_id,
                    COALESCE(s.stop_name,''),
                    COALESCE(s.stop_lat, 0),
                    COALESCE(s.stop_lon, 0)
             FROM stop_times st
             JOIN stops s ON s.stop_id = st.stop_id
             WHERE st.trip_id = $1
             ORDER BY st.stop_sequence`
	} else {
		locExists, err := hasColumns(ctx, db, "public", "stops", "stop_loc")
		if err != nil {
			return nil, fmt.Errorf("introspect stops stop_loc: %w", err)
		}
		if !locExists["stop_loc"] {
			return nil, fmt.Errorf("stops table missing expected columns (stop_lat/lon or stop_loc)")
		}
		q = `SELECT st.stop_sequence,
                    COALESCE(st.arrival_time::text,''),
                    COALESCE(st.departure_time::text,''),
                    st.stop_id,
                    COALESCE(s.stop_name,''),
                    COALESCE(ST_Y(s.stop_loc::geometry), 0),
                    COALESCE(ST_X(s.stop_loc::geometry), 0)
             FROM stop_times st
             JOIN stops s ON s.stop_id = st.stop_id
             WHERE st.trip_id = $1
             ORDER BY st.stop_sequence`
	}
	rows, err := db.QueryContext(ctx, q, string(tripID))
	if err != nil {
		return nil, fmt.Errorf("query stop_times: %w", err)
	}
	defer rows.Close()

	var sts []gtfs.StopTime
	for rows.Next() {
		var st gtfs.StopTime
		var stopID string
		if err := rows.Scan(&st.StopSequence, &st.ArrivalTime, &st.DepartureTime, &stopID, &st.StopName, &st.StopLat, &st.StopLon); err != nil {
			return nil, err
		}
		st.StopID = gtfs.StopID(stopID)
		sts = append(sts, st)
	}
	return sts, rows.Err()
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
