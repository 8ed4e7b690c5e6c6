package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"bus-tracker/internal/broker"
	"bus-tracker/internal/clock"
	"bus-tracker/internal/config"
	"bus-tracker/internal/db"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/sim"
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

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector("simulator")
		mcol.SimConfigured(cfg.Sim.PublishInterval, cfg.Sim.TripsRefreshInterval)
		srv := mcol.Serve(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	bus, err := broker.Connect(cfg.NATSURL, "bus-tracker-simulator", cfg.LogNATSSubjects, logger, mcol)
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer bus.Close()

	mgr := sim.NewManager(db.GTFS{DB: sqlDB}, bus, sim.Options{
		RidersPerTrip:   cfg.Sim.RidersPerTrip,
		PublishInterval: cfg.Sim.PublishInterval,
		JitterMeters:    cfg.Sim.JitterMeters,
		RefreshInterval: cfg.Sim.TripsRefreshInterval,
		Location:        cfg.Location,
		Subjects:        broker.Subjects{Prefix: cfg.SubjectPrefix},
		Clock:           clock.InLocation{Loc: cfg.Location},
		Logger:          logger,
		Metrics:         mcol,
	})
	// Periodic trip refresher puts riders on trips as they become active
	mgr.StartRefresher(ctx)

	// Block until context cancelled
	<-ctx.Done()
	// Riders publish their stop commands on the way out
	mgr.Stop()
	logger.Info("shutdown complete")
}
