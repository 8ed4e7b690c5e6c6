// Package session coordinates one rider sharing their position on one trip:
// validation, passage detection and inference, store writes and the view of
// the other riders on the same trip.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bus-tracker/internal/catalog"
	"bus-tracker/internal/clock"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/gtfs"
	"bus-tracker/internal/passage"
	"bus-tracker/internal/riders"
	"bus-tracker/internal/sensor"
	"bus-tracker/internal/store"
	"bus-tracker/internal/validate"
)

var (
	ErrAlreadySharing = errors.New("session: already sharing")
	ErrNotSharing     = errors.New("session: not sharing")
)

// Stop reasons reported to Metrics.
const (
	stopRequested  = "requested"
	stopOutOfRange = "out_of_range"
	stopPermission = "permission_denied"
)

type State int

const (
	Idle State = iota
	Validating
	Sharing
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Validating:
		return "validating"
	case Sharing:
		return "sharing"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Params identify a session and the rider's journey on the trip. Empty
// stop ids select the start and end of the trip.
type Params struct {
	TripID     gtfs.TripID
	UserID     string
	Username   string
	BoardStop  gtfs.StopID
	AlightStop gtfs.StopID
}

type Deps struct {
	Catalog *catalog.Catalog
	Store   store.Store
	Sensor  sensor.Sensor
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics Metrics
	// OnChange receives every new snapshot. It is called from the session's
	// goroutine and must not block.
	OnChange func(Snapshot)
}

// Snapshot is what a rider sees of the trip.
type Snapshot struct {
	TripID            gtfs.TripID            `json:"tripId"`
	UserID            string                 `json:"userId"`
	Username          string                 `json:"username"`
	State             State                  `json:"state"`
	Passages          []passage.Record       `json:"passages"`
	Latest            *passage.Record        `json:"latest,omitempty"`
	DelayMinutes      *int                   `json:"delayMinutes,omitempty"`
	EstimatedArrivals map[gtfs.StopID]string `json:"estimatedArrivals,omitempty"`
	Consensus         *geo.Point             `json:"consensus,omitempty"`
	Riders            []riders.RiderPosition `json:"riders"`
	LocalOnly         bool                   `json:"localOnly"`
	LastFailure       string                 `json:"lastFailure,omitempty"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

// Session is the coordinator of one (trip, rider) pair. While sharing, all
// work happens on a single goroutine; the exported methods only exchange
// signals with it.
type Session struct {
	params    Params
	rider     passage.Rider
	cfg       Config
	deps      Deps
	clock     clock.Clock
	metrics   Metrics
	validator validate.Validator
	log       *slog.Logger

	mu     sync.Mutex
	state  State
	view   Snapshot
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by whichever goroutine holds the session out of Idle.
	fullRoute   []gtfs.StopRef
	window      []gtfs.StopRef
	passages    []passage.Record
	pending     map[gtfs.StopID]passage.Record
	own         *riders.RiderPosition
	peers       []riders.RiderPosition
	agg         *riders.Aggregator
	lastFix     sensor.Fix
	lastFixAt   time.Time
	hasFix      bool
	lastReading time.Time
	localOnly   bool
	lastFailure string
}

func New(p Params, cfg Config, deps Deps) *Session {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	s := &Session{
		params:    p,
		rider:     passage.Rider{UserID: p.UserID, Username: p.Username},
		cfg:       cfg,
		deps:      deps,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		validator: validate.New(cfg.CorridorMeters),
		log:       deps.Logger.With("trip", string(p.TripID), "user", p.UserID),
		pending:   make(map[gtfs.StopID]passage.Record),
	}
	s.view = s.buildSnapshot(Idle)
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the latest published view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Start validates the rider's current position against the full route and,
// if it is plausible, begins sharing. On failure the session stays Idle,
// the reason is kept in the snapshot and the error is returned: a
// *sensor.Error, a *validate.Error, or one wrapping catalog.ErrNoStopData.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrAlreadySharing
	}
	s.state = Validating
	s.mu.Unlock()
	s.log.Info("validating position")
	s.emit(s.buildSnapshot(Validating), Validating)

	if err := s.begin(ctx); err != nil {
		s.log.Info("start rejected", "error", err)
		s.lastFailure = failureText(err)
		s.emit(s.buildSnapshot(Idle), Idle)
		return err
	}
	return nil
}

func (s *Session) begin(ctx context.Context) error {
	full, err := s.deps.Catalog.FullRoute(ctx, s.params.TripID)
	if err != nil {
		return err
	}
	window, err := s.deps.Catalog.DisplayWindow(ctx, s.params.TripID, s.params.BoardStop, s.params.AlightStop)
	if err != nil {
		return err
	}
	s.fullRoute, s.window = full, window

	fix, err := s.deps.Sensor.CurrentPosition(ctx)
	if err != nil {
		return err
	}
	if _, err := s.validator.Check(fix.Point(), s.fullRoute); err != nil {
		s.metrics.ValidationFailed()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	readings, err := s.deps.Sensor.Watch(loopCtx)
	if err != nil {
		cancel()
		return err
	}

	s.lastFailure = ""
	s.localOnly = false
	s.passages = passage.CurrentRun(s.passages, s.clock.Now())
	s.agg = riders.NewAggregator(s.params.TripID, s.cfg.StaleAfter, s.clock)
	s.lastReading = s.clock.Now()

	at := s.fixTime(fix)
	s.accept(fix, at)
	s.writePosition(loopCtx)

	// Mid-route boarding: everything before the first fix has been passed.
	inferred := s.cfg.Policy.Infer(fix.Point(), at, s.window, passage.PassedSet(s.passages))
	s.record(passage.Stamp(inferred, s.rider))
	s.detect(fix, at)
	s.flushPassages(loopCtx)

	riderSub, passageSub := s.subscribe(loopCtx)
	timers := newTimerSet(s.cfg.FallbackInterval, s.cfg.HeartbeatInterval)
	s.refreshRiders(loopCtx)

	done := make(chan struct{})
	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.mu.Unlock()
	s.metrics.SessionStarted()
	s.log.Info("sharing started", "stops", len(s.fullRoute), "window", len(s.window), "passed", len(s.passages))
	s.emit(s.buildSnapshot(Sharing), Sharing)

	go s.run(loopCtx, readings, riderSub, passageSub, timers, done)
	return nil
}

// Stop ends sharing and waits for teardown, or for ctx to end. The rider's
// passage history is kept.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Sharing {
		s.mu.Unlock()
		return ErrNotSharing
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearTrip stops sharing if needed and forgets the rider's passage state
// for the trip.
func (s *Session) ClearTrip(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil && !errors.Is(err, ErrNotSharing) {
		return err
	}
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrAlreadySharing
	}
	s.passages = nil
	s.pending = make(map[gtfs.StopID]passage.Record)
	s.fullRoute, s.window = nil, nil
	s.lastFailure = ""
	snap := s.buildSnapshot(Idle)
	s.view = snap
	s.mu.Unlock()

	if s.deps.OnChange != nil {
		s.deps.OnChange(snap)
	}
	return nil
}

func (s *Session) run(ctx context.Context, readings <-chan sensor.Reading, riderSub *store.Subscription[riders.RiderPosition],
	passageSub *store.Subscription[passage.Record], timers *TimerSet, done chan struct{}) {
	reason := stopRequested
	defer func() {
		s.teardown(reason, riderSub, passageSub, timers)
		close(done)
	}()

	var riderC <-chan []riders.RiderPosition
	if riderSub != nil {
		riderC = riderSub.C
	}
	var passageC <-chan []passage.Record
	if passageSub != nil {
		passageC = passageSub.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case r, ok := <-readings:
			if !ok {
				// the sensor was closed under us
				s.log.Warn("position watch ended")
				return
			}
			if why := s.handleReading(ctx, r); why != "" {
				reason = why
				return
			}

		case <-timers.Fallback():
			if s.clock.Now().Sub(s.lastReading) < s.cfg.FallbackInterval {
				continue
			}
			fix, err := s.deps.Sensor.CurrentPosition(ctx)
			if ctx.Err() != nil {
				return
			}
			if why := s.handleReading(ctx, sensor.Reading{Fix: fix, Err: err}); why != "" {
				reason = why
				return
			}

		case <-timers.Heartbeat():
			s.heartbeat(ctx)

		case snap, ok := <-riderC:
			if !ok {
				riderC = nil
				continue
			}
			s.peers = snap
			s.refreshRiders(ctx)

		case snap, ok := <-passageC:
			if !ok {
				passageC = nil
				continue
			}
			s.passages = s.cfg.Policy.Merge(s.window, s.passages, passage.CurrentRun(snap, s.clock.Now()))
		}
		s.emit(s.buildSnapshot(Sharing), Sharing)
	}
}

// handleReading processes one sensor event and returns a non-empty stop
// reason when sharing must end.
func (s *Session) handleReading(ctx context.Context, r sensor.Reading) string {
	s.lastReading = s.clock.Now()
	if r.Err != nil {
		s.lastFailure = failureText(r.Err)
		var serr *sensor.Error
		if errors.As(r.Err, &serr) && serr.Kind == sensor.PermissionDenied {
			s.log.Warn("location permission revoked, stopping", "error", r.Err)
			return stopPermission
		}
		s.log.Warn("position unavailable", "error", r.Err)
		return ""
	}

	fix := r.Fix
	at := s.fixTime(fix)
	if s.debounced(fix, at) {
		s.metrics.SampleDropped("debounce")
		return ""
	}
	res := s.validator.Validate(fix.Point(), s.fullRoute)
	if !res.Valid {
		s.metrics.ValidationFailed()
		s.lastFailure = res.Reason
		s.log.Info("position out of range, stopping", "reason", res.Reason)
		return stopOutOfRange
	}
	s.metrics.SampleAccepted()

	s.accept(fix, at)
	s.writePosition(ctx)
	s.detect(fix, at)
	s.flushPassages(ctx)
	s.refreshRiders(ctx)
	return ""
}

// debounced reports whether a sample comes too soon after the last accepted
// one without having moved far enough. Either condition lets it through.
func (s *Session) debounced(fix sensor.Fix, at time.Time) bool {
	if !s.hasFix {
		return false
	}
	if at.Sub(s.lastFixAt) >= s.cfg.ReshareInterval {
		return false
	}
	return geo.Distance(s.lastFix.Point(), fix.Point()) < s.cfg.ReshareMinMoveMeters
}

func (s *Session) accept(fix sensor.Fix, at time.Time) {
	s.lastFix, s.lastFixAt, s.hasFix = fix, at, true
	s.own = &riders.RiderPosition{
		TripID:     s.params.TripID,
		UserID:     s.params.UserID,
		Username:   s.params.Username,
		Lat:        fix.Lat,
		Lon:        fix.Lon,
		ObservedAt: at,
		LastActive: s.clock.Now(),
	}
}

func (s *Session) detect(fix sensor.Fix, at time.Time) {
	observed := s.cfg.Policy.Detect(fix.Point(), at, s.window, passage.PassedSet(s.passages))
	for _, r := range observed {
		s.log.Info("stop passed", "stop", string(r.StopID), "delay", r.DelayMinutes)
	}
	s.record(passage.Stamp(observed, s.rider))
}

// record merges the rider's own additions and queues every record that
// changed for writing.
func (s *Session) record(additions []passage.Record) {
	if len(additions) == 0 {
		return
	}
	before := make(map[gtfs.StopID]passage.Record, len(s.passages))
	for _, r := range s.passages {
		before[r.StopID] = r
	}
	merged := s.cfg.Policy.Merge(s.window, s.passages, additions)
	var observed, inferred int
	for _, r := range merged {
		if prev, ok := before[r.StopID]; ok && sameRecord(prev, r) {
			continue
		}
		s.pending[r.StopID] = r
		if r.Inferred {
			inferred++
		} else {
			observed++
		}
	}
	s.passages = merged
	s.metrics.PassagesRecorded(observed, inferred)
}

func (s *Session) writePosition(ctx context.Context) {
	if s.own == nil || s.localOnly {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.deps.Store.UpsertRiderPosition(wctx, *s.own); err != nil {
		s.storeFailed("position", err)
	}
}

// flushPassages writes queued records in sequence order. A transient
// failure leaves the rest queued for the next sample.
func (s *Session) flushPassages(ctx context.Context) {
	if s.localOnly {
		clear(s.pending)
		return
	}
	queued := make([]passage.Record, 0, len(s.pending))
	for _, r := range s.pending {
		queued = append(queued, r)
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].Sequence != queued[j].Sequence {
			return queued[i].Sequence < queued[j].Sequence
		}
		return queued[i].StopID < queued[j].StopID
	})
	for _, r := range queued {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		err := s.deps.Store.UpsertPassageRecord(wctx, s.params.TripID, r)
		cancel()
		if err != nil {
			s.storeFailed("passage", err)
			if s.localOnly {
				clear(s.pending)
			}
			return
		}
		delete(s.pending, r.StopID)
	}
}

func (s *Session) storeFailed(op string, err error) {
	if errors.Is(err, store.ErrPermissionDenied) {
		if !s.localOnly {
			s.log.Warn("store refused writes, continuing local-only", "op", op, "error", err)
			s.localOnly = true
			s.lastFailure = err.Error()
		}
		return
	}
	s.metrics.StoreWriteFailed(op)
	s.log.Warn("store write failed, retrying on next sample", "op", op, "error", err)
}

func (s *Session) heartbeat(ctx context.Context) {
	if s.own != nil {
		s.own.LastActive = s.clock.Now()
		s.writePosition(ctx)
	}
	s.flushPassages(ctx)
	s.refreshRiders(ctx)
}

func (s *Session) subscribe(ctx context.Context) (*store.Subscription[riders.RiderPosition], *store.Subscription[passage.Record]) {
	rs, err := s.deps.Store.SubscribeRiderPositions(ctx, s.params.TripID)
	if err != nil {
		s.log.Warn("rider subscription failed", "error", err)
		rs = nil
	}
	ps, err := s.deps.Store.SubscribePassageRecords(ctx, s.params.TripID)
	if err != nil {
		s.log.Warn("passage subscription failed", "error", err)
		ps = nil
	}
	return rs, ps
}

// refreshRiders recomputes the active riders from the last peer snapshot
// plus the rider's own row, and best-effort deletes stale peers.
func (s *Session) refreshRiders(ctx context.Context) {
	snap := make([]riders.RiderPosition, 0, len(s.peers)+1)
	snap = append(snap, s.peers...)
	if s.own != nil {
		snap = append(snap, *s.own)
	}
	changes, stale := s.agg.Apply(snap)
	for _, c := range changes {
		s.log.Debug("rider "+c.Kind.String(), "rider", c.Rider.UserID)
	}
	if !s.localOnly {
		for _, p := range stale {
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			if err := s.deps.Store.DeleteRiderPosition(wctx, p.TripID, p.UserID); err != nil {
				s.log.Debug("stale rider cleanup failed", "rider", p.UserID, "error", err)
			}
			cancel()
		}
	}
	s.metrics.ConsensusRiders(string(s.params.TripID), len(s.agg.Active()))
}

func (s *Session) teardown(reason string, riderSub *store.Subscription[riders.RiderPosition],
	passageSub *store.Subscription[passage.Record], timers *TimerSet) {
	s.mu.Lock()
	s.state = Stopping
	s.mu.Unlock()

	timers.cancel()
	if riderSub != nil {
		riderSub.Close()
	}
	if passageSub != nil {
		passageSub.Close()
	}

	if !s.localOnly {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		if err := s.deps.Store.DeleteRiderPosition(ctx, s.params.TripID, s.params.UserID); err != nil {
			s.log.Warn("could not remove rider position", "error", err)
		}
		cancel()
	}

	s.own, s.peers, s.agg = nil, nil, nil
	s.hasFix = false
	clear(s.pending)
	s.metrics.SessionStopped(reason)
	s.log.Info("sharing stopped", "reason", reason)

	snap := s.buildSnapshot(Idle)
	s.mu.Lock()
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	s.emit(snap, Idle)
}

// emit publishes snap as the current view and moves to state.
func (s *Session) emit(snap Snapshot, state State) {
	s.mu.Lock()
	s.state = state
	s.view = snap
	s.mu.Unlock()
	if s.deps.OnChange != nil {
		s.deps.OnChange(snap)
	}
}

func (s *Session) buildSnapshot(state State) Snapshot {
	now := s.clock.Now()
	snap := Snapshot{
		TripID:      s.params.TripID,
		UserID:      s.params.UserID,
		Username:    s.params.Username,
		State:       state,
		Passages:    append([]passage.Record(nil), s.passages...),
		Riders:      []riders.RiderPosition{},
		LocalOnly:   s.localOnly,
		LastFailure: s.lastFailure,
		UpdatedAt:   now,
	}
	if r, ok := passage.Latest(s.passages); ok {
		snap.Latest = &r
	}
	if d, ok := passage.TripDelay(s.passages); ok {
		snap.DelayMinutes = &d
	}
	if len(s.window) > 0 {
		snap.EstimatedArrivals = passage.EstimatedArrivals(s.window, s.passages, now)
	}
	if s.agg != nil {
		snap.Riders = s.agg.Active()
		if c, ok := riders.Mean(snap.Riders); ok {
			snap.Consensus = &c
		}
	}
	return snap
}

func (s *Session) fixTime(fix sensor.Fix) time.Time {
	if fix.Timestamp.IsZero() {
		return s.clock.Now()
	}
	return fix.Timestamp
}

func sameRecord(a, b passage.Record) bool {
	return a.StopID == b.StopID && a.StopName == b.StopName && a.Sequence == b.Sequence &&
		a.PassTime.Equal(b.PassTime) && a.ScheduledTime == b.ScheduledTime &&
		a.DelayMinutes == b.DelayMinutes && a.Username == b.Username && a.UserID == b.UserID &&
		a.Inferred == b.Inferred
}

func failureText(err error) string {
	var verr *validate.Error
	if errors.As(err, &verr) {
		return verr.Result.Reason
	}
	if errors.Is(err, catalog.ErrNoStopData) {
		return catalog.ErrNoStopData.Error()
	}
	return fmt.Sprint(err)
}
