package db

import (
	"context"
	"database/sql"
	"fmt"

	"bus-tracker/internal/gtfs"
	"bus-tracker/internal/passage"
	"bus-tracker/internal/riders"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS rider_positions (
		trip_id     TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		username    TEXT NOT NULL DEFAULT '',
		lat         DOUBLE PRECISION NOT NULL,
		lon         DOUBLE PRECISION NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL,
		last_active TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (trip_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rider_positions_last_active ON rider_positions (trip_id, last_active)`,
	`CREATE TABLE IF NOT EXISTS passage_records (
		trip_id        TEXT NOT NULL,
		stop_id        TEXT NOT NULL,
		stop_name      TEXT NOT NULL DEFAULT '',
		sequence       INTEGER NOT NULL,
		pass_time      TIMESTAMPTZ NOT NULL,
		scheduled_time TEXT NOT NULL DEFAULT '',
		delay_minutes  INTEGER NOT NULL DEFAULT 0,
		username       TEXT NOT NULL DEFAULT '',
		user_id        TEXT NOT NULL DEFAULT '',
		inferred       BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (trip_id, stop_id)
	)`,
}

// Migrate creates the rider and passage tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

func UpsertRiderPosition(ctx context.Context, db *sql.DB, p riders.RiderPosition) error {
	q := `
INSERT INTO rider_positions (trip_id, user_id, username, lat, lon, observed_at, last_active)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (trip_id, user_id) DO UPDATE SET
  username = EXCLUDED.username,
  lat = EXCLUDED.lat,
  lon = EXCLUDED.lon,
  observed_at = EXCLUDED.observed_at,
  last_active = EXCLUDED.last_active`
	_, err := db.ExecContext(ctx, q, string(p.TripID), p.UserID, p.Username, p.Lat, p.Lon, p.ObservedAt, p.LastActive)
	return err
}

func DeleteRiderPosition(ctx context.Context, db *sql.DB, tripID gtfs.TripID, userID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM rider_positions WHERE trip_id = $1 AND user_id = $2`, string(tripID), userID)
	return err
}

func FetchRiderPositions(ctx context.Context, db *sql.DB, tripID gtfs.TripID) ([]riders.RiderPosition, error) {
	q := `SELECT trip_id, user_id, username, lat, lon, observed_at, last_active
          FROM rider_positions WHERE trip_id = $1 ORDER BY user_id`
	rows, err := db.QueryContext(ctx, q, string(tripID))
	if err != nil {
		return nil, fmt.Errorf("query rider_positions: %w", err)
	}
	defer rows.Close()

	var out []riders.RiderPosition
	for rows.Next() {
		var p riders.RiderPosition
		var trip string
		if err := rows.Scan(&trip, &p.UserID, &p.Username, &p.Lat, &p.Lon, &p.ObservedAt, &p.LastActive); err != nil {
			return nil, err
		}
		p.TripID = gtfs.TripID(trip)
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPassageRecord writes one record per (trip, stop). An inferred
// record never overwrites an observed one from the same run of the trip.
func UpsertPassageRecord(ctx context.Context, db *sql.DB, tripID gtfs.TripID, r passage.Record) error {
	q := `
INSERT INTO passage_records (trip_id, stop_id, stop_name, sequence, pass_time, scheduled_time, delay_minutes, username, user_id, inferred)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (trip_id, stop_id) DO UPDATE SET
  stop_name = EXCLUDED.stop_name,
  sequence = EXCLUDED.sequence,
  pass_time = EXCLUDED.pass_time,
  scheduled_time = EXCLUDED.scheduled_time,
  delay_minutes = EXCLUDED.delay_minutes,
  username = EXCLUDED.username,
  user_id = EXCLUDED.user_id,
  inferred = EXCLUDED.inferred
WHERE passage_records.inferred OR NOT EXCLUDED.inferred
   OR passage_records.pass_time <= EXCLUDED.pass_time - make_interval(secs => $11)`
	_, err := db.ExecContext(ctx, q, string(tripID), string(r.StopID), r.StopName, r.Sequence, r.PassTime,
		r.ScheduledTime, r.DelayMinutes, r.Username, r.UserID, r.Inferred, passage.RunHorizon.Seconds())
	return err
}

// FetchPassageRecords returns the trip's records from the current run only.
// Rows from earlier runs stay in the table until overwritten.
func FetchPassageRecords(ctx context.Context, db *sql.DB, tripID gtfs.TripID) ([]passage.Record, error) {
	q := `SELECT stop_id, stop_name, sequence, pass_time, scheduled_time, delay_minutes, username, user_id, inferred
          FROM passage_records
          WHERE trip_id = $1 AND pass_time > now() - make_interval(secs => $2)
          ORDER BY sequence, stop_id`
	rows, err := db.QueryContext(ctx, q, string(tripID), passage.RunHorizon.Seconds())
	if err != nil {
		return nil, fmt.Errorf("query passage_records: %w", err)
	}
	defer rows.Close()

	var out []passage.Record
	for rows.Next() {
		var r passage.Record
		var stopID string
		if err := rows.Scan(&stopID, &r.StopName, &r.Sequence, &r.PassTime, &r.ScheduledTime, &r.DelayMinutes, &r.Username, &r.UserID, &r.Inferred); err != nil {
			return nil, err
		}
		r.StopID = gtfs.StopID(stopID)
		out = append(out, r)
	}
	return out, rows.Err()
}
