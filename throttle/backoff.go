package throttle

import (
	"math"
	"time"
)

// BackoffState turns a stream of success and failure signals into a single
// release time before which requests are hard blocked.
type BackoffState struct {
	policy       Policy
	jitter       JitterSource
	failureCount int
	releaseTime  time.Time

	// State from before the last RecordSuccess, kept until the next failure
	// so a success can be taken back.
	prevFailureCount int
	prevReleaseTime  time.Time
	canCancel        bool
}

// NewBackoffState returns a state with no failures whose release time is
// the zero time, so nothing is blocked. A nil jitter uses math/rand/v2.
func NewBackoffState(policy Policy, jitter JitterSource) *BackoffState {
	if jitter == nil {
		jitter = randJitter{}
	}

	return &BackoffState{
		policy: policy,
		jitter: jitter,
	}
}

// RecordFailure counts a failure and returns the resulting release time.
// The release time never moves backwards until the next success.
func (b *BackoffState) RecordFailure(now time.Time) time.Time {
	b.canCancel = false
	b.failureCount++

	if b.failureCount <= b.policy.NumErrorsToIgnore {
		b.extendTo(now)
		return b.releaseTime
	}

	b.extendTo(now.Add(b.delay(b.failureCount - b.policy.NumErrorsToIgnore)))

	return b.releaseTime
}

// RecordSuccess clears the failure count and lifts blocking immediately.
func (b *BackoffState) RecordSuccess(now time.Time) {
	b.prevFailureCount, b.prevReleaseTime = b.failureCount, b.releaseTime
	b.canCancel = true

	b.failureCount = 0
	b.releaseTime = now
}

// CancelSuccess takes back the most recent RecordSuccess, restoring the
// failure count and release time it cleared. It reports false, and
// changes nothing, when no success is pending or a failure came since.
func (b *BackoffState) CancelSuccess() bool {
	if !b.canCancel {
		return false
	}
	b.canCancel = false

	b.failureCount = b.prevFailureCount
	b.extendTo(b.prevReleaseTime)

	return true
}

// ExtendRelease pushes the release time to at least now+d, capped at the
// policy's maximum backoff. The failure count is left alone.
func (b *BackoffState) ExtendRelease(now time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return b.releaseTime
	}
	b.extendTo(now.Add(min(d, b.policy.MaximumBackoff)))

	return b.releaseTime
}

// IsBlocking reports whether now is before the release time.
func (b *BackoffState) IsBlocking(now time.Time) bool {
	return now.Before(b.releaseTime)
}

// FailureCount returns the number of consecutive failures recorded.
func (b *BackoffState) FailureCount() int {
	return b.failureCount
}

// ReleaseTime returns the time after which requests are no longer blocked.
func (b *BackoffState) ReleaseTime() time.Time {
	return b.releaseTime
}

func (b *BackoffState) extendTo(t time.Time) {
	if t.After(b.releaseTime) {
		b.releaseTime = t
	}
}

// delay computes min(initial * factor^(n-1), max) minus jitter for the nth
// counted failure. The exponent is clamped to the one that first reaches
// max, so the result cannot overflow however long the streak runs.
func (b *BackoffState) delay(n int) time.Duration {
	maxBackoff := float64(b.policy.MaximumBackoff)
	initial := float64(b.policy.InitialDelay)
	factor := b.policy.MultiplyFactor

	d := initial
	if factor > 1 && n > 1 && initial < maxBackoff {
		exp := float64(n - 1)
		if limit := math.Ceil(math.Log(maxBackoff/initial) / math.Log(factor)); exp > limit {
			exp = limit
		}
		d = initial * math.Pow(factor, exp)
	}
	d = min(d, maxBackoff)

	d -= d * b.policy.JitterFactor * b.jitter.Float64()

	return min(time.Duration(d).Round(time.Millisecond), b.policy.MaximumBackoff)
}
