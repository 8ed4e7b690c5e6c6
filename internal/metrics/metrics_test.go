package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/broker"
	"bus-tracker/internal/session"
)

var (
	_ session.Metrics = (*Collector)(nil)
	_ broker.Metrics  = (*Collector)(nil)
)

func TestCollector_SessionEvents(t *testing.T) {
	c := NewCollector("tracker")

	c.SessionStarted()
	c.SessionStarted()
	c.SessionStopped("out_of_range")
	c.SampleAccepted()
	c.SampleDropped("debounce")
	c.ValidationFailed()
	c.PassagesRecorded(1, 3)
	c.StoreWriteFailed("upsert_rider")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.SessionsStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.ActiveSessions))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.SessionsStopped.WithLabelValues("out_of_range")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.SamplesAccepted))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.SamplesDropped.WithLabelValues("debounce")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.ValidationFailures))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Passages.WithLabelValues("observed")))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.Passages.WithLabelValues("inferred")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.StoreWriteErrs.WithLabelValues("upsert_rider")))
}

func TestCollector_ConsensusRiders(t *testing.T) {
	c := NewCollector("tracker")

	c.ConsensusRiders("t1", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(c.RidersPerTrip.WithLabelValues("t1")))

	c.ConsensusRiders("t1", 0)
	assert.Equal(t, 0, testutil.CollectAndCount(c.RidersPerTrip))
}

func TestCollector_NilIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SessionStarted()
		c.SessionStopped("requested")
		c.PassagesRecorded(1, 1)
		c.ConsensusRiders("t1", 2)
		c.NATSSetConnected(true)
		c.PublishObserve(time.Millisecond)
		c.SimLoad(1, 2)
		c.TickObserve(time.Millisecond)
	})
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("simulator")
	c.NATSSetConnected(true)
	c.NATSPublishedInc()
	c.SimConfigured(5*time.Second, time.Minute)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "simulator_nats_connected 1")
	assert.Contains(t, string(body), "simulator_nats_published_total 1")
	assert.Contains(t, string(body), "simulator_publish_interval_seconds 5")
	assert.Contains(t, string(body), "simulator_refresh_interval_seconds 60")
}
