package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"bus-tracker/internal/broker"
	"bus-tracker/internal/clock"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/gtfs"
	"bus-tracker/internal/sensor"
)

// Trips is the static schedule the simulator rides.
type Trips interface {
	ActiveTrips(ctx context.Context, now time.Time) ([]gtfs.ActiveTrip, error)
	TripStopTimes(ctx context.Context, tripID gtfs.TripID) ([]gtfs.StopTime, error)
}

type Metrics interface {
	SimLoad(trips, riders int)
	TickObserve(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) SimLoad(int, int)          {}
func (nopMetrics) TickObserve(time.Duration) {}

type Options struct {
	RidersPerTrip   int
	PublishInterval time.Duration
	JitterMeters    float64
	RefreshInterval time.Duration

	// MaxJoinDelay caps how long after a trip is picked up a rider boards.
	MaxJoinDelay time.Duration

	Location *time.Location
	Subjects broker.Subjects
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  Metrics
}

// Manager puts simulated riders on active trips. Each rider publishes a
// start command, device fixes along the trip schedule, then a stop command.
type Manager struct {
	trips Trips
	bus   broker.Bus
	opts  Options
	log   *slog.Logger

	mu      sync.Mutex
	running map[gtfs.TripID]context.CancelFunc
	ridden  map[gtfs.TripID]time.Time // trip -> end time
	riders  int
	wg      sync.WaitGroup

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
}

func NewManager(trips Trips, bus broker.Bus, opts Options) *Manager {
	if opts.RidersPerTrip <= 0 {
		opts.RidersPerTrip = 1
	}
	if opts.PublishInterval <= 0 {
		opts.PublishInterval = 5 * time.Second
	}
	if opts.MaxJoinDelay <= 0 {
		opts.MaxJoinDelay = 10 * time.Minute
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Manager{
		trips:   trips,
		bus:     bus,
		opts:    opts,
		log:     opts.Logger,
		running: make(map[gtfs.TripID]context.CancelFunc),
		ridden:  make(map[gtfs.TripID]time.Time),
	}
}

// StartRefresher launches a background loop that periodically fetches active
// trips and puts riders on the ones not yet ridden.
func (m *Manager) StartRefresher(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.refreshCancel = cancel
	m.refreshWG.Add(1)
	go func() {
		defer m.refreshWG.Done()
		// immediate refresh on start
		if err := m.RefreshActive(ctx); err != nil {
			m.log.Error("refresh active trips", "error", err)
		}
		if m.opts.RefreshInterval <= 0 {
			return
		}
		ticker := time.NewTicker(m.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.RefreshActive(ctx); err != nil {
					m.log.Error("refresh active trips", "error", err)
				}
			}
		}
	}()
}

// RefreshActive starts riders on trips that are running now.
func (m *Manager) RefreshActive(ctx context.Context) error {
	now := m.opts.Clock.Now().In(m.opts.Location)
	trips, err := m.trips.ActiveTrips(ctx, now)
	if err != nil {
		return fmt.Errorf("fetch active trips: %w", err)
	}
	m.mu.Lock()
	for id, end := range m.ridden {
		if now.After(end) {
			delete(m.ridden, id)
		}
	}
	m.mu.Unlock()
	for _, t := range trips {
		if now.Before(t.StartTime) || now.After(t.EndTime) {
			continue
		}
		m.startTrip(ctx, t, now)
	}
	return nil
}

func (m *Manager) startTrip(parent context.Context, t gtfs.ActiveTrip, day time.Time) {
	m.mu.Lock()
	_, running := m.running[t.TripID]
	_, ridden := m.ridden[t.TripID]
	if running || ridden {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.running[t.TripID] = cancel
	m.wg.Add(1)
	m.reportLocked()
	m.mu.Unlock()

	m.log.Info("riding trip", "trip", t.TripID, "route", t.RouteID, "riders", m.opts.RidersPerTrip)
	go func() {
		defer m.wg.Done()
		if err := m.runTrip(ctx, t, day); err != nil {
			m.log.Error("trip simulation failed", "trip", t.TripID, "error", err)
		}
		// A trip is ridden once per activation.
		m.mu.Lock()
		delete(m.running, t.TripID)
		m.ridden[t.TripID] = t.EndTime
		m.reportLocked()
		m.mu.Unlock()
	}()
}

func (m *Manager) runTrip(ctx context.Context, t gtfs.ActiveTrip, day time.Time) error {
	sts, err := m.trips.TripStopTimes(ctx, t.TripID)
	if err != nil {
		return err
	}
	sched := BuildSchedule(sts, day)
	if len(sched) < 2 {
		// Without two located stops there is no path to ride. Skip.
		return nil
	}

	now := m.opts.Clock.Now()
	var wg sync.WaitGroup
	for range m.opts.RidersPerTrip {
		r := m.planRider(t.TripID, sched, now)
		if r == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.trackRider(+1)
			defer m.trackRider(-1)
			m.runRider(ctx, r)
		}()
	}
	wg.Wait()
	return nil
}

type rider struct {
	userID   string
	username string
	tripID   gtfs.TripID
	sched    Schedule
	joinAt   time.Time
	leaveAt  time.Time
}

// planRider picks a random boarding instant within the remaining trip and a
// random alighting instant after it.
func (m *Manager) planRider(tripID gtfs.TripID, sched Schedule, now time.Time) *rider {
	if now.Before(sched.Start()) {
		now = sched.Start()
	}
	remaining := sched.End().Sub(now)
	if remaining <= 2*m.opts.PublishInterval {
		return nil
	}
	spread := min(remaining/2, m.opts.MaxJoinDelay)
	joinAt := now.Add(rand.N(spread))
	leaveAt := joinAt.Add(rand.N(sched.End().Sub(joinAt)/2) + sched.End().Sub(joinAt)/2)

	id := uuid.NewString()
	return &rider{
		userID:   id,
		username: "sim-" + id[:8],
		tripID:   tripID,
		sched:    sched,
		joinAt:   joinAt,
		leaveAt:  leaveAt,
	}
}

func (m *Manager) runRider(ctx context.Context, r *rider) {
	if d := r.joinAt.Sub(m.opts.Clock.Now()); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	log := m.log.With("trip", r.tripID, "user", r.userID)
	subj := m.opts.Subjects
	cmd := broker.Command{
		TripID:      string(r.tripID),
		UserID:      r.userID,
		Username:    r.username,
		BoardStopID: string(r.sched.LastStop(m.opts.Clock.Now())),
	}
	if err := broker.PublishJSON(m.bus, subj.Start(), cmd); err != nil {
		log.Warn("publish start failed", "error", err)
		return
	}
	log.Info("rider boarded", "stop", cmd.BoardStopID)
	defer func() {
		stop := broker.Command{TripID: cmd.TripID, UserID: cmd.UserID, Username: cmd.Username}
		if err := broker.PublishJSON(m.bus, subj.Stop(), stop); err != nil {
			log.Warn("publish stop failed", "error", err)
		}
		log.Info("rider alighted")
	}()

	// The tracker subscribes to fixes only after handling the start command,
	// so the first fix may be lost; the next tick repeats it well within the
	// device timeout.
	m.publishFix(log, r)
	tick := time.NewTicker(m.opts.PublishInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if m.opts.Clock.Now().After(r.leaveAt) {
				return
			}
			m.publishFix(log, r)
		}
	}
}

func (m *Manager) publishFix(log *slog.Logger, r *rider) {
	tickStart := time.Now()
	now := m.opts.Clock.Now()
	pos := Jitter(r.sched.PositionAt(now), m.opts.JitterMeters)
	msg := sensor.Message{Lat: pos.Lat, Lon: pos.Lon, Timestamp: now}
	if err := broker.PublishJSON(m.bus, m.opts.Subjects.Fix(r.userID), msg); err != nil {
		log.Warn("publish fix failed", "error", err)
	}
	m.opts.Metrics.TickObserve(time.Since(tickStart))
}

// Jitter moves p up to meters in a random direction, imitating GPS noise.
func Jitter(p geo.Point, meters float64) geo.Point {
	if meters <= 0 {
		return p
	}
	return geo.Offset(p, rand.Float64()*360, rand.Float64()*meters)
}

func (m *Manager) trackRider(delta int) {
	m.mu.Lock()
	m.riders += delta
	m.reportLocked()
	m.mu.Unlock()
}

func (m *Manager) reportLocked() {
	m.opts.Metrics.SimLoad(len(m.running), m.riders)
}

// Stop cancels the refresher and every rider, and waits for them.
func (m *Manager) Stop() {
	if m.refreshCancel != nil {
		m.refreshCancel()
	}
	m.refreshWG.Wait()
	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
