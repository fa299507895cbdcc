package throttle

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the derived throttling state of an Entry at a point in time.
type State int

const (
	// StateOpen means requests are admitted.
	StateOpen State = iota
	// StateBackingOff means automatic requests are rejected until the
	// release time.
	StateBackingOff
	// StateDisabled means backoff throttling was turned off for the entry.
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateBackingOff:
		return "backing-off"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Manager is the registry that owns an entry. The entry only holds it to
// answer lifecycle questions and never calls into it.
type Manager interface {
	Name() string
}

// Entry is the throttling state for one destination. It combines hard
// blocking from exponential backoff with advisory pacing from a sliding
// window.
//
// An Entry is not safe for concurrent use; its owner serializes calls.
type Entry struct {
	id         string
	instanceID uuid.UUID
	policy     Policy
	clock      Clock
	classify   Classifier
	manager    Manager

	backoff *BackoffState
	window  *SlidingWindowCounter

	backoffDisabled bool
	createdAt       time.Time
	lastActivityAt  time.Time
}

// NewEntry validates policy and returns an Entry for the destination id.
func NewEntry(id string, policy Policy, optFns ...Option) (*Entry, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("entry %q: %w", id, err)
	}

	var opts options
	for _, opt := range optFns {
		opt(&opts)
	}
	if opts.clock == nil {
		opts.clock = SystemClock{}
	}
	if opts.classify == nil {
		opts.classify = ClassifyStatus
	}

	now := opts.clock.Now()

	e := &Entry{
		id:             id,
		instanceID:     uuid.New(),
		policy:         policy,
		clock:          opts.clock,
		classify:       opts.classify,
		manager:        opts.manager,
		backoff:        NewBackoffState(policy, opts.jitter),
		window:         NewSlidingWindowCounter(policy.SlidingWindowPeriod, policy.MaxSendThreshold),
		createdAt:      now,
		lastActivityAt: now,
	}

	return e, nil
}

// Now returns the current time according to the entry's clock.
func (e *Entry) Now() time.Time {
	return e.clock.Now()
}

// ShouldRejectRequest reports whether an outgoing request must be held back.
// Explicit user gestures are never rejected, and neither is anything once
// backoff throttling has been disabled.
func (e *Entry) ShouldRejectRequest(now time.Time, isExplicitUserGesture bool) bool {
	e.touch(now)

	if e.backoffDisabled || isExplicitUserGesture {
		return false
	}

	return e.backoff.IsBlocking(now)
}

// ReserveSendingTimeForNextRequest records an upcoming request and returns
// how long the caller should wait before sending it, rounded up to whole
// milliseconds. The result is only a recommendation.
func (e *Entry) ReserveSendingTimeForNextRequest(now time.Time) time.Duration {
	e.touch(now)

	suggested := e.window.Reserve(now)

	delay := suggested.Sub(now)
	if delay <= 0 {
		return 0
	}

	return (delay + time.Millisecond - 1).Truncate(time.Millisecond)
}

// UpdateWithResponse feeds a completed response back into the backoff
// state. How status codes count is decided by the entry's Classifier.
func (e *Entry) UpdateWithResponse(now time.Time, statusCode int) {
	e.touch(now)

	if e.classify(statusCode) == OutcomeSuccess {
		e.backoff.RecordSuccess(now)
		return
	}
	e.backoff.RecordFailure(now)
}

// ReceivedContentWasMalformed counts a failure whatever the status code
// was: a success status with a garbage body still points at a broken
// origin. When both calls are made for one response, make this one last.
// A success UpdateWithResponse just recorded is then taken back, so a run
// of malformed successes builds a failure streak like any other failures.
// The status code is not classified.
func (e *Entry) ReceivedContentWasMalformed(now time.Time, statusCode int) {
	e.touch(now)

	e.backoff.CancelSuccess()
	e.backoff.RecordFailure(now)
}

// UpdateWithRetryAfter honours a server provided pacing hint by holding
// requests until now+d, capped at the policy's maximum backoff.
func (e *Entry) UpdateWithRetryAfter(now time.Time, d time.Duration) {
	e.touch(now)
	e.backoff.ExtendRelease(now, d)
}

// DisableBackoffThrottling stops the entry from ever rejecting requests.
// Responses are still recorded.
func (e *Entry) DisableBackoffThrottling() {
	e.backoffDisabled = true
}

// BackoffDisabled reports whether DisableBackoffThrottling was called.
func (e *Entry) BackoffDisabled() bool {
	return e.backoffDisabled
}

// IsEntryOutdated reports whether the owner may discard the entry: no
// failures are outstanding and it has been idle longer than the policy's
// entry lifetime.
func (e *Entry) IsEntryOutdated(now time.Time) bool {
	if e.backoff.FailureCount() > 0 {
		return false
	}

	return now.Sub(e.lastActivityAt) > e.policy.EntryLifetime
}

// GetExponentialBackoffReleaseTime returns the time hard blocking lifts.
func (e *Entry) GetExponentialBackoffReleaseTime() time.Time {
	return e.backoff.ReleaseTime()
}

// State returns the derived state at now.
func (e *Entry) State(now time.Time) State {
	switch {
	case e.backoffDisabled:
		return StateDisabled
	case e.backoff.IsBlocking(now):
		return StateBackingOff
	default:
		return StateOpen
	}
}

// DetachManager drops the back-reference to the owning registry. The owner
// calls it once, right before letting go of the entry.
func (e *Entry) DetachManager() {
	e.manager = nil
}

// Manager returns the owning registry, or nil once detached.
func (e *Entry) Manager() Manager {
	return e.manager
}

// Identifier returns the destination id given at construction.
func (e *Entry) Identifier() string { return e.id }

// InstanceID distinguishes entries created for the same identifier.
func (e *Entry) InstanceID() uuid.UUID { return e.instanceID }

// Policy returns the entry's copy of its policy.
func (e *Entry) Policy() Policy { return e.policy }

// FailureCount returns the number of consecutive counted failures.
func (e *Entry) FailureCount() int { return e.backoff.FailureCount() }

// CreatedAt returns when the entry was built.
func (e *Entry) CreatedAt() time.Time { return e.createdAt }

// LastActivityAt returns the time of the most recent call.
func (e *Entry) LastActivityAt() time.Time { return e.lastActivityAt }

func (e *Entry) touch(now time.Time) {
	if now.After(e.lastActivityAt) {
		e.lastActivityAt = now
	}
}
