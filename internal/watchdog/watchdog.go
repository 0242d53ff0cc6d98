// Package watchdog restarts the process when frames stop flowing.
package watchdog

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/FloatPeek/internal/logger"
)

// HealthClock records the time of the last successful frame. Readers on
// other goroutines see a value that never moves backwards.
type HealthClock struct {
	base time.Time
	last atomic.Int64 // nanoseconds since base
}

// NewHealthClock creates a clock whose last success is start, which gives
// the tracker one full timeout to produce a first frame
func NewHealthClock(start time.Time) *HealthClock {
	return &HealthClock{base: start}
}

// Mark records a successful frame at t. Older timestamps are ignored.
func (c *HealthClock) Mark(t time.Time) {
	d := int64(t.Sub(c.base))
	for {
		cur := c.last.Load()
		if d <= cur {
			return
		}
		if c.last.CompareAndSwap(cur, d) {
			return
		}
	}
}

// Last returns the time of the last successful frame
func (c *HealthClock) Last() time.Time {
	return c.base.Add(time.Duration(c.last.Load()))
}

// Age returns how long ago the last successful frame was at now
func (c *HealthClock) Age(now time.Time) time.Duration {
	return now.Sub(c.Last())
}

// Config controls how often the watchdog checks and how stale is too stale
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// TripFunc is called once when the watchdog trips
type TripFunc func(age time.Duration)

// Status is the watchdog's view of pipeline health
type Status struct {
	Healthy        bool  `json:"healthy"`
	Tripped        bool  `json:"tripped"`
	LastFrameAgeMS int64 `json:"last_frame_age_ms"`
	TimeoutMS      int64 `json:"timeout_ms"`
}

// Watchdog trips when the health clock falls further behind than Timeout
type Watchdog struct {
	clock   *HealthClock
	cfg     Config
	onTrip  TripFunc
	tripped atomic.Bool
}

// New creates a watchdog. onTrip may be nil.
func New(clock *HealthClock, cfg Config, onTrip TripFunc) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Watchdog{clock: clock, cfg: cfg, onTrip: onTrip}
}

// Check compares the health clock against now and trips when it is older
// than the timeout. It returns true only on the call that trips.
func (w *Watchdog) Check(now time.Time) bool {
	age := w.clock.Age(now)
	if age <= w.cfg.Timeout {
		logger.WithComponent("watchdog").Trace().
			Dur("last_frame_age", age).
			Msg("Healthy")
		return false
	}

	if !w.tripped.CompareAndSwap(false, true) {
		return false
	}

	logger.WithComponent("watchdog").Error().
		Dur("last_frame_age", age).
		Dur("timeout", w.cfg.Timeout).
		Msg("No frame delivered within timeout, restarting")

	if w.onTrip != nil {
		w.onTrip(age)
	}
	return true
}

// Tripped reports whether the watchdog has fired
func (w *Watchdog) Tripped() bool {
	return w.tripped.Load()
}

// Status reports health at now
func (w *Watchdog) Status(now time.Time) Status {
	age := w.clock.Age(now)
	return Status{
		Healthy:        age <= w.cfg.Timeout && !w.Tripped(),
		Tripped:        w.Tripped(),
		LastFrameAgeMS: age.Milliseconds(),
		TimeoutMS:      w.cfg.Timeout.Milliseconds(),
	}
}

// Run checks every Interval until ctx is cancelled or the watchdog trips.
// It runs on its own goroutine so a capture call stuck on the event loop
// cannot keep it from firing.
func (w *Watchdog) Run(ctx context.Context) {
	log := logger.WithComponent("watchdog")
	log.Info().
		Dur("interval", w.cfg.Interval).
		Dur("timeout", w.cfg.Timeout).
		Msg("Watchdog started")

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if w.Check(now) {
				return
			}
		}
	}
}
