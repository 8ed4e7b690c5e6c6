package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"bus-tracker/internal/catalog"
	"bus-tracker/internal/session"
)

type Config struct {
	DatabaseURL     string
	NATSURL         string
	SubjectPrefix   string
	LogNATSSubjects bool
	MetricsAddr     string
	Location        *time.Location
	LogLevel        slog.Level
	LogJSON         bool

	Tracking         session.Config
	DisplayLeadStops int

	Sim Sim
}

// Sim configures cmd/simulator.
type Sim struct {
	RidersPerTrip        int
	PublishInterval      time.Duration
	JitterMeters         float64
	TripsRefreshInterval time.Duration
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.SubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "tracker")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %q", v)
		}
	}
	switch f := strings.ToLower(getenvDefault("LOG_FORMAT", "text")); f {
	case "text":
	case "json":
		cfg.LogJSON = true
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT: %q", f)
	}

	var err error
	if cfg.Tracking, err = loadTracking(); err != nil {
		return nil, err
	}
	if cfg.DisplayLeadStops, err = intVar("DISPLAY_LEAD_STOPS", catalog.DefaultLeadStops, 0); err != nil {
		return nil, err
	}
	if cfg.Sim, err = loadSim(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadTracking() (session.Config, error) {
	t := session.DefaultConfig()
	var err error
	if t.CorridorMeters, err = floatVar("CORRIDOR_METERS", t.CorridorMeters); err != nil {
		return t, err
	}
	if t.Policy.PassRadiusMeters, err = floatVar("PASS_RADIUS_METERS", t.Policy.PassRadiusMeters); err != nil {
		return t, err
	}
	if t.Policy.InferRadiusMeters, err = floatVar("INFER_RADIUS_METERS", t.Policy.InferRadiusMeters); err != nil {
		return t, err
	}
	if t.Policy.BackfillPerStop, err = secondsVar("BACKFILL_PER_STOP_SEC", t.Policy.BackfillPerStop); err != nil {
		return t, err
	}
	if t.ReshareInterval, err = secondsVar("RESHARE_INTERVAL_SEC", t.ReshareInterval); err != nil {
		return t, err
	}
	if t.ReshareMinMoveMeters, err = floatVar("RESHARE_MIN_MOVE_METERS", t.ReshareMinMoveMeters); err != nil {
		return t, err
	}
	if t.StaleAfter, err = secondsVar("RIDER_STALE_SEC", t.StaleAfter); err != nil {
		return t, err
	}
	if t.FallbackInterval, err = secondsVar("FALLBACK_INTERVAL_SEC", t.FallbackInterval); err != nil {
		return t, err
	}
	if t.HeartbeatInterval, err = secondsVar("HEARTBEAT_INTERVAL_SEC", t.HeartbeatInterval); err != nil {
		return t, err
	}
	return t, nil
}

func loadSim() (Sim, error) {
	s := Sim{}
	var err error
	if s.RidersPerTrip, err = intVar("SIM_RIDERS_PER_TRIP", 2, 1); err != nil {
		return s, err
	}
	if v := os.Getenv("SIM_PUBLISH_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return s, fmt.Errorf("invalid SIM_PUBLISH_INTERVAL_MS: %q", v)
		}
		s.PublishInterval = time.Duration(ms) * time.Millisecond
	} else {
		s.PublishInterval = 5 * time.Second
	}
	if v := os.Getenv("SIM_JITTER_METERS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return s, fmt.Errorf("invalid SIM_JITTER_METERS: %q", v)
		}
		s.JitterMeters = f
	} else {
		s.JitterMeters = 10
	}
	if s.TripsRefreshInterval, err = secondsVar("TRIPS_REFRESH_INTERVAL_SEC", 60*time.Second); err != nil {
		return s, err
	}
	return s, nil
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func floatVar(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return f, nil
}

func secondsVar(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func intVar(k string, def, lo int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
