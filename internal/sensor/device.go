package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bus-tracker/internal/broker"
	"bus-tracker/internal/clock"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultMaxAge  = 5 * time.Second
)

// Message is the wire form of a device reading. Error, when set, names a
// Kind and the coordinates are ignored.
type Message struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Error     string    `json:"error,omitempty"`
}

func (m Message) Reading() Reading {
	if m.Error != "" {
		k, ok := ParseKind(m.Error)
		if !ok {
			k = PositionUnavailable
		}
		return Reading{Err: &Error{Kind: k}}
	}
	return Reading{Fix: Fix{Lat: m.Lat, Lon: m.Lon, Timestamp: m.Timestamp}}
}

// Device is a Sensor fed by readings published for one user on the bus.
type Device struct {
	timeout time.Duration
	maxAge  time.Duration
	clock   clock.Clock
	log     *slog.Logger
	sub     broker.Subscription

	mu        sync.Mutex
	last      Fix
	lastAt    time.Time
	hasLast   bool
	nextID    int
	listeners map[int]chan Reading
	closed    bool
}

type DeviceOptions struct {
	// Timeout bounds CurrentPosition when no cached fix is usable.
	Timeout time.Duration
	// MaxAge is how old a cached fix may be and still answer CurrentPosition.
	MaxAge time.Duration
	Clock  clock.Clock
	Logger *slog.Logger
}

func NewDevice(bus broker.Bus, subject string, opts DeviceOptions) (*Device, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAge < 0 {
		opts.MaxAge = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Device{
		timeout:   opts.Timeout,
		maxAge:    opts.MaxAge,
		clock:     opts.Clock,
		log:       opts.Logger.With("subject", subject),
		listeners: make(map[int]chan Reading),
	}
	sub, err := bus.Subscribe(subject, d.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	d.sub = sub
	return d, nil
}

// Close stops receiving readings and closes every open watch.
func (d *Device) Close() error {
	err := d.sub.Unsubscribe()
	d.mu.Lock()
	d.closed = true
	for id, ch := range d.listeners {
		close(ch)
		delete(d.listeners, id)
	}
	d.mu.Unlock()
	return err
}

func (d *Device) handle(_ string, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		d.log.Warn("discarding malformed reading", "error", err)
		return
	}
	r := msg.Reading()
	if r.Err == nil && r.Fix.Timestamp.IsZero() {
		r.Fix.Timestamp = d.clock.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if r.Err == nil {
		d.last, d.lastAt, d.hasLast = r.Fix, d.clock.Now(), true
	}
	for _, ch := range d.listeners {
		select {
		case ch <- r:
		default:
			d.log.Debug("listener busy, reading dropped")
		}
	}
}

// listen returns a closed channel once the device is closed.
func (d *Device) listen(buffer int) (int, chan Reading) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan Reading, buffer)
	if d.closed {
		close(ch)
		return 0, ch
	}
	d.nextID++
	d.listeners[d.nextID] = ch
	return d.nextID, ch
}

func (d *Device) listenerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

func (d *Device) unlisten(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.listeners[id]; ok {
		close(ch)
		delete(d.listeners, id)
	}
}

// CurrentPosition answers from a recent cached fix, otherwise waits for the
// next reading. It fails with a Timeout error when none arrives in time.
func (d *Device) CurrentPosition(ctx context.Context) (Fix, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Fix{}, &Error{Kind: PositionUnavailable}
	}
	if d.hasLast && d.clock.Now().Sub(d.lastAt) <= d.maxAge {
		fix := d.last
		d.mu.Unlock()
		return fix, nil
	}
	d.mu.Unlock()

	id, ch := d.listen(1)
	defer d.unlisten(id)

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case r, ok := <-ch:
		if !ok {
			return Fix{}, &Error{Kind: PositionUnavailable}
		}
		return r.Fix, r.Err
	case <-timer.C:
		return Fix{}, &Error{Kind: Timeout}
	case <-ctx.Done():
		return Fix{}, ctx.Err()
	}
}

func (d *Device) Watch(ctx context.Context) (<-chan Reading, error) {
	id, ch := d.listen(16)
	if id == 0 {
		return ch, nil
	}
	go func() {
		<-ctx.Done()
		d.unlisten(id)
	}()
	return ch, nil
}
