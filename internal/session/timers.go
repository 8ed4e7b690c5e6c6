package session

import (
	"sync"
	"time"
)

// TimerSet owns the periodic timers of a sharing session. It is acquired on
// entering Sharing and cancelled on every way out of it.
type TimerSet struct {
	fallback  *time.Ticker
	heartbeat *time.Ticker
	once      sync.Once
}

func newTimerSet(fallback, heartbeat time.Duration) *TimerSet {
	return &TimerSet{
		fallback:  time.NewTicker(fallback),
		heartbeat: time.NewTicker(heartbeat),
	}
}

func (t *TimerSet) Fallback() <-chan time.Time  { return t.fallback.C }
func (t *TimerSet) Heartbeat() <-chan time.Time { return t.heartbeat.C }

func (t *TimerSet) cancel() {
	t.once.Do(func() {
		t.fallback.Stop()
		t.heartbeat.Stop()
	})
}
