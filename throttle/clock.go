package throttle

import (
	"math/rand/v2"
	"time"
)

// Clock reports the current time. Entries never read the system clock
// directly, so tests can move time forward without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock. time.Now carries a monotonic reading,
// so comparisons between two results are immune to wall clock jumps.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	now time.Time
}

// NewManualClock returns a ManualClock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time { return c.now }

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.now = t
}

// JitterSource yields uniform random fractions in [0, 1).
type JitterSource interface {
	Float64() float64
}

type randJitter struct{}

func (randJitter) Float64() float64 { return rand.Float64() }

// NoJitter is a JitterSource that always returns 0, making every computed
// delay its maximum value.
type NoJitter struct{}

func (NoJitter) Float64() float64 { return 0 }

// FixedJitter always returns the same fraction.
type FixedJitter float64

func (f FixedJitter) Float64() float64 { return float64(f) }
