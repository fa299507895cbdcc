package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMustNotBeZero   = errors.New("must be greater than zero")
	ErrRequestRejected = errors.New("request rejected by backoff throttle")
	ErrWaitingFailed   = errors.New("limiter waiting failed")
	ErrContextEnded    = errors.New("throttle context ended")
)

// OptOutHeader is the response header a server sets, with the value
// [OptOutValue], to turn backoff off for its host.
const (
	OptOutHeader = "X-Backoff-Throttling"
	OptOutValue  = "disable"
)

// statusTransportError is recorded when no response arrived at all. It
// lies outside every status range, so it classifies as a failure.
const statusTransportError = 0

// RejectedError is returned for requests refused without being sent.
type RejectedError struct {
	ID    string
	Until time.Time
	Err   error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%v: %s until %s", e.Err, e.ID, e.Until.Format(time.RFC3339Nano))
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

type ctxKey int

const userGestureKey ctxKey = iota + 1

// WithUserGesture marks requests made with ctx as explicitly initiated by a
// user. They are never rejected by backoff.
func WithUserGesture(ctx context.Context) context.Context {
	return context.WithValue(ctx, userGestureKey, true)
}

// IsUserGesture reports whether ctx was marked with WithUserGesture.
func IsUserGesture(ctx context.Context) bool {
	v, _ := ctx.Value(userGestureKey).(bool)
	return v
}
