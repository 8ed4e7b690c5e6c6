package session

import (
	"time"

	"bus-tracker/internal/passage"
	"bus-tracker/internal/riders"
	"bus-tracker/internal/validate"
)

// Config holds the tracking policy of a session.
type Config struct {
	Policy         passage.Policy
	CorridorMeters float64

	// A sample is dropped when it arrives sooner than ReshareInterval after
	// the last accepted one and has moved less than ReshareMinMoveMeters.
	ReshareInterval      time.Duration
	ReshareMinMoveMeters float64

	StaleAfter time.Duration

	// FallbackInterval polls the sensor when the watch has been quiet that
	// long. HeartbeatInterval refreshes the rider's lastActive.
	FallbackInterval  time.Duration
	HeartbeatInterval time.Duration

	// WriteTimeout bounds each store call made by the session.
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Policy:               passage.DefaultPolicy(),
		CorridorMeters:       validate.DefaultCorridorMeters,
		ReshareInterval:      30 * time.Second,
		ReshareMinMoveMeters: 15,
		StaleAfter:           riders.DefaultStaleAfter,
		FallbackInterval:     30 * time.Second,
		HeartbeatInterval:    60 * time.Second,
		WriteTimeout:         10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Policy.PassRadiusMeters <= 0 {
		c.Policy.PassRadiusMeters = d.Policy.PassRadiusMeters
	}
	if c.Policy.InferRadiusMeters <= 0 {
		c.Policy.InferRadiusMeters = d.Policy.InferRadiusMeters
	}
	if c.Policy.BackfillPerStop <= 0 {
		c.Policy.BackfillPerStop = d.Policy.BackfillPerStop
	}
	if c.CorridorMeters <= 0 {
		c.CorridorMeters = d.CorridorMeters
	}
	if c.ReshareInterval <= 0 {
		c.ReshareInterval = d.ReshareInterval
	}
	if c.ReshareMinMoveMeters <= 0 {
		c.ReshareMinMoveMeters = d.ReshareMinMoveMeters
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.FallbackInterval <= 0 {
		c.FallbackInterval = d.FallbackInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}
