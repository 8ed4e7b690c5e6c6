package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"

	"bus-tracker/internal/broker"
	"bus-tracker/internal/db"
	"bus-tracker/internal/gtfs"
	"bus-tracker/internal/passage"
	"bus-tracker/internal/riders"
)

// SQLSTATE insufficient_privilege.
const pgInsufficientPrivilege = "42501"

// Postgres keeps rows in Postgres and announces each write on the bus.
// Subscribers re-read the trip's rows whenever an announcement arrives.
type Postgres struct {
	db       *sql.DB
	bus      broker.Bus
	subjects broker.Subjects
	log      *slog.Logger
}

func NewPostgres(sqlDB *sql.DB, bus broker.Bus, subjects broker.Subjects, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: sqlDB, bus: bus, subjects: subjects, log: logger}
}

func (p *Postgres) UpsertRiderPosition(ctx context.Context, pos riders.RiderPosition) error {
	if err := db.UpsertRiderPosition(ctx, p.db, pos); err != nil {
		return classify(err)
	}
	p.announce(p.subjects.RidersChanged(string(pos.TripID)))
	return nil
}

func (p *Postgres) DeleteRiderPosition(ctx context.Context, tripID gtfs.TripID, userID string) error {
	if err := db.DeleteRiderPosition(ctx, p.db, tripID, userID); err != nil {
		return classify(err)
	}
	p.announce(p.subjects.RidersChanged(string(tripID)))
	return nil
}

func (p *Postgres) UpsertPassageRecord(ctx context.Context, tripID gtfs.TripID, r passage.Record) error {
	if err := db.UpsertPassageRecord(ctx, p.db, tripID, r); err != nil {
		return classify(err)
	}
	p.announce(p.subjects.PassagesChanged(string(tripID)))
	return nil
}

func (p *Postgres) SubscribeRiderPositions(ctx context.Context, tripID gtfs.TripID) (*Subscription[riders.RiderPosition], error) {
	return subscribe(ctx, p, p.subjects.RidersChanged(string(tripID)), func(ctx context.Context) ([]riders.RiderPosition, error) {
		return db.FetchRiderPositions(ctx, p.db, tripID)
	})
}

func (p *Postgres) SubscribePassageRecords(ctx context.Context, tripID gtfs.TripID) (*Subscription[passage.Record], error) {
	return subscribe(ctx, p, p.subjects.PassagesChanged(string(tripID)), func(ctx context.Context) ([]passage.Record, error) {
		return db.FetchPassageRecords(ctx, p.db, tripID)
	})
}

// subscribe listens for change announcements on subject and delivers a
// fresh read of the collection for each, starting with one immediately.
func subscribe[T any](ctx context.Context, p *Postgres, subject string, load func(context.Context) ([]T, error)) (*Subscription[T], error) {
	ctx, cancel := context.WithCancel(ctx)

	var (
		mu sync.Mutex
		ns broker.Subscription
	)
	sub := newSubscription[T](ctx, func() {
		cancel()
		mu.Lock()
		defer mu.Unlock()
		if ns == nil {
			return
		}
		if err := ns.Unsubscribe(); err != nil {
			p.log.Debug("unsubscribe failed", "subject", subject, "error", err)
		}
	})
	reload := func() {
		mu.Lock()
		defer mu.Unlock()
		rows, err := load(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Warn("store reload failed", "subject", subject, "error", err)
			}
			return
		}
		sub.deliver(rows)
	}

	bs, err := p.bus.Subscribe(subject, func(string, []byte) { reload() })
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	mu.Lock()
	ns = bs
	mu.Unlock()

	mu.Lock()
	rows, err := load(ctx)
	if err == nil {
		sub.deliver(rows)
	}
	mu.Unlock()
	if err != nil {
		sub.Close()
		return nil, classify(err)
	}
	return sub, nil
}

func (p *Postgres) announce(subject string) {
	if err := p.bus.Publish(subject, nil); err != nil {
		p.log.Warn("change announcement failed", "subject", subject, "error", err)
	}
}

// classify maps a privilege failure to ErrPermissionDenied and leaves
// every other error as is.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgInsufficientPrivilege {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, pgErr.Message)
	}
	return err
}
