package throttle

import (
	"slices"
	"time"
)

// SlidingWindowCounter suggests when the next request should go out based
// on how many were reserved recently. It is advisory: nothing is ever
// denied because of it.
type SlidingWindowCounter struct {
	period      time.Duration
	threshold   int
	log         []time.Time
	releaseTime time.Time
}

// NewSlidingWindowCounter allows threshold reservations per period.
func NewSlidingWindowCounter(period time.Duration, threshold int) *SlidingWindowCounter {
	return &SlidingWindowCounter{
		period:    period,
		threshold: threshold,
		log:       make([]time.Time, 0, threshold+1),
	}
}

// Reserve records a reservation at now and returns the earliest time the
// caller should send it. Once the window is full the suggestion is the
// moment the oldest reservation slides out. The returned time never moves
// backwards, even when reservations arrive out of order.
func (w *SlidingWindowCounter) Reserve(now time.Time) time.Time {
	w.prune(now)

	suggested := now
	if len(w.log) >= w.threshold {
		suggested = w.log[0].Add(w.period)
	}

	// Recorded whatever the suggestion was: the caller asked for a slot.
	w.insert(now)

	if suggested.After(w.releaseTime) {
		w.releaseTime = suggested
	}

	return w.releaseTime
}

// Len returns the number of reservations inside the window ending at now.
func (w *SlidingWindowCounter) Len(now time.Time) int {
	w.prune(now)
	return len(w.log)
}

// Newest returns the latest reservation timestamp, or the zero time.
func (w *SlidingWindowCounter) Newest() time.Time {
	if len(w.log) == 0 {
		return time.Time{}
	}
	return w.log[len(w.log)-1]
}

// insert keeps the log in chronological order even when now is earlier than
// reservations already logged, so prune can stop at the first live entry.
func (w *SlidingWindowCounter) insert(now time.Time) {
	i := len(w.log)
	for i > 0 && w.log[i-1].After(now) {
		i--
	}
	w.log = slices.Insert(w.log, i, now)
}

func (w *SlidingWindowCounter) prune(now time.Time) {
	cutoff := now.Add(-w.period)

	i := 0
	for i < len(w.log) && w.log[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.log = append(w.log[:0], w.log[i:]...)
	}
}
