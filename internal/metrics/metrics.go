package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the tracker's Prometheus registry. Its methods are safe on
// a nil *Collector, so callers can pass one through when metrics are off.
type Collector struct {
	reg *prometheus.Registry

	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsStopped *prometheus.CounterVec // reason label: requested|out_of_range|permission_denied

	SamplesAccepted    prometheus.Counter
	SamplesDropped     *prometheus.CounterVec // reason label: debounce
	ValidationFailures prometheus.Counter
	Passages           *prometheus.CounterVec // kind label: observed|inferred
	StoreWriteErrs     *prometheus.CounterVec // op label
	RidersPerTrip      *prometheus.GaugeVec   // trip label

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	SimRiders    prometheus.Gauge
	SimTrips     prometheus.Gauge
	TickDuration prometheus.Histogram

	PublishInterval prometheus.Gauge // seconds
	RefreshInterval prometheus.Gauge // seconds
}

// NewCollector registers the collectors under namespace, e.g. "tracker" or
// "simulator".
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of rider sessions currently sharing.",
		}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total sessions that reached the sharing state.",
		}),
		SessionsStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_stopped_total",
			Help:      "Total sessions stopped, by reason.",
		}, []string{"reason"}),
		SamplesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_accepted_total",
			Help:      "Total location samples accepted and shared.",
		}),
		SamplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_dropped_total",
			Help:      "Total location samples dropped, by reason.",
		}, []string{"reason"}),
		ValidationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Total positions rejected for being off route.",
		}),
		Passages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passages_recorded_total",
			Help:      "Total stop passages recorded, by kind.",
		}, []string{"kind"}),
		StoreWriteErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_write_errors_total",
			Help:      "Total failed writes to the shared store, by operation.",
		}, []string{"op"}),
		RidersPerTrip: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consensus_riders",
			Help:      "Active riders contributing to the consensus location of a trip.",
		}, []string{"trip"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_published_total",
			Help:      "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_publish_errors_total",
			Help:      "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nats_connected",
			Help:      "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Duration to publish a NATS message.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SimRiders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sim_riders",
			Help:      "Number of simulated riders currently riding.",
		}),
		SimTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sim_trips",
			Help:      "Number of trips with simulated riders.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of simulation tick computations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PublishInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publish_interval_seconds",
			Help:      "Simulator publish interval in seconds.",
		}),
		RefreshInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "refresh_interval_seconds",
			Help:      "Trips refresh interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.ActiveSessions, c.SessionsStarted, c.SessionsStopped,
		c.SamplesAccepted, c.SamplesDropped, c.ValidationFailures,
		c.Passages, c.StoreWriteErrs, c.RidersPerTrip,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.SimRiders, c.SimTrips, c.TickDuration,
		c.PublishInterval, c.RefreshInterval,
	)
	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return srv
}

// Session events.

func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.SessionsStarted.Inc()
	c.ActiveSessions.Inc()
}

func (c *Collector) SessionStopped(reason string) {
	if c == nil {
		return
	}
	c.SessionsStopped.WithLabelValues(reason).Inc()
	c.ActiveSessions.Dec()
}

func (c *Collector) SampleAccepted() {
	if c == nil {
		return
	}
	c.SamplesAccepted.Inc()
}

func (c *Collector) SampleDropped(reason string) {
	if c == nil {
		return
	}
	c.SamplesDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) ValidationFailed() {
	if c == nil {
		return
	}
	c.ValidationFailures.Inc()
}

func (c *Collector) PassagesRecorded(observed, inferred int) {
	if c == nil {
		return
	}
	c.Passages.WithLabelValues("observed").Add(float64(observed))
	c.Passages.WithLabelValues("inferred").Add(float64(inferred))
}

func (c *Collector) StoreWriteFailed(op string) {
	if c == nil {
		return
	}
	c.StoreWriteErrs.WithLabelValues(op).Inc()
}

func (c *Collector) ConsensusRiders(tripID string, n int) {
	if c == nil {
		return
	}
	if n == 0 {
		c.RidersPerTrip.DeleteLabelValues(tripID)
		return
	}
	c.RidersPerTrip.WithLabelValues(tripID).Set(float64(n))
}

// Broker events.

func (c *Collector) NATSPublishedInc() {
	if c == nil {
		return
	}
	c.NATSPublished.Inc()
}

func (c *Collector) NATSPublishErrInc() {
	if c == nil {
		return
	}
	c.NATSPublishErrs.Inc()
}

func (c *Collector) PublishObserve(d time.Duration) {
	if c == nil {
		return
	}
	c.PublishDuration.Observe(d.Seconds())
}

func (c *Collector) NATSSetConnected(b bool) {
	if c == nil {
		return
	}
	if b {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

// Simulator events.

func (c *Collector) SimConfigured(publish, refresh time.Duration) {
	if c == nil {
		return
	}
	c.PublishInterval.Set(publish.Seconds())
	c.RefreshInterval.Set(refresh.Seconds())
}

func (c *Collector) SimLoad(trips, riders int) {
	if c == nil {
		return
	}
	c.SimTrips.Set(float64(trips))
	c.SimRiders.Set(float64(riders))
}

func (c *Collector) TickObserve(d time.Duration) {
	if c == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
}
