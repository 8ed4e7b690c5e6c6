package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"bus-tracker/internal/broker"
	"bus-tracker/internal/catalog"
	"bus-tracker/internal/clock"
	"bus-tracker/internal/config"
	"bus-tracker/internal/db"
	"bus-tracker/internal/gtfs"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/sensor"
	"bus-tracker/internal/session"
	"bus-tracker/internal/store"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := cfg.Logger()

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		log.Fatalf("db ping error: %v", err)
	}
	if err := db.Migrate(ctx, sqlDB); err != nil {
		log.Fatalf("db migrate error: %v", err)
	}

	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector("tracker")
		srv := mcol.Serve(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	bus, err := broker.Connect(cfg.NATSURL, "bus-tracker", cfg.LogNATSSubjects, logger, mcol)
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer bus.Close()

	subjects := broker.Subjects{Prefix: cfg.SubjectPrefix}
	clk := clock.InLocation{Loc: cfg.Location}

	deps := session.Deps{
		Catalog: catalog.New(db.GTFS{DB: sqlDB}, cfg.DisplayLeadStops),
		Store:   store.NewPostgres(sqlDB, bus, subjects, logger),
		Clock:   clk,
		Logger:  logger,
		Metrics: mcol,
		OnChange: func(s session.Snapshot) {
			if err := broker.PublishJSON(bus, subjects.Session(string(s.TripID), s.UserID), s); err != nil {
				logger.Warn("publish snapshot failed", "trip", s.TripID, "user", s.UserID, "error", err)
			}
		},
	}
	sensors := func(userID string) (sensor.Sensor, func() error, error) {
		d, err := sensor.NewDevice(bus, subjects.Fix(userID), sensor.DeviceOptions{
			Clock:  clk,
			Logger: logger.With("user", userID),
		})
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	}
	mgr := session.NewManager(cfg.Tracking, deps, sensors)

	// Commands are handled off the NATS callback goroutine since starting a
	// session waits for the first fix.
	onCommand := func(start bool) broker.Handler {
		return func(subject string, data []byte) {
			var cmd broker.Command
			if err := json.Unmarshal(data, &cmd); err != nil || cmd.TripID == "" || cmd.UserID == "" {
				logger.Warn("malformed command", "subject", subject, "error", err)
				return
			}
			go handleCommand(ctx, logger, mgr, start, cmd)
		}
	}
	startSub, err := bus.Subscribe(subjects.Start(), onCommand(true))
	if err != nil {
		log.Fatalf("subscribe %s: %v", subjects.Start(), err)
	}
	defer startSub.Unsubscribe()
	stopSub, err := bus.Subscribe(subjects.Stop(), onCommand(false))
	if err != nil {
		log.Fatalf("subscribe %s: %v", subjects.Stop(), err)
	}
	defer stopSub.Unsubscribe()

	logger.Info("tracker ready", "nats", cfg.NATSURL, "prefix", cfg.SubjectPrefix)

	// Block until context cancelled
	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func handleCommand(ctx context.Context, logger *slog.Logger, mgr *session.Manager, start bool, cmd broker.Command) {
	tripID := gtfs.TripID(cmd.TripID)
	log := logger.With("trip", cmd.TripID, "user", cmd.UserID)
	if !start {
		if err := mgr.Stop(ctx, tripID, cmd.UserID); err != nil && !errors.Is(err, session.ErrNotSharing) {
			log.Warn("stop sharing failed", "error", err)
		}
		return
	}
	_, err := mgr.Start(ctx, session.Params{
		TripID:     tripID,
		UserID:     cmd.UserID,
		Username:   cmd.Username,
		BoardStop:  gtfs.StopID(cmd.BoardStopID),
		AlightStop: gtfs.StopID(cmd.AlightStopID),
	})
	switch {
	case err == nil:
		log.Info("sharing started")
	case errors.Is(err, session.ErrAlreadySharing):
		log.Debug("already sharing")
	default:
		// The failure already went out with the idle snapshot; release the device.
		log.Warn("start sharing failed", "error", err)
		if err := mgr.Stop(ctx, tripID, cmd.UserID); err != nil && !errors.Is(err, session.ErrNotSharing) {
			log.Warn("release session failed", "error", err)
		}
	}
}
