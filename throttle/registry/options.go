package registry

import (
	"errors"
	"log/slog"

	"github.com/adamwoolhether/backoffer/throttle"
)

const (
	// DefaultMaxEntries bounds how many destinations are tracked at once.
	DefaultMaxEntries = 1500
	// DefaultSweepInterval is the number of registrations between sweeps
	// for outdated entries.
	DefaultSweepInterval = 200
)

// Option is a functional option for configuring a [Registry] via [New].
type Option func(*options) error

type options struct {
	name            string
	clock           throttle.Clock
	jitter          throttle.JitterSource
	classify        throttle.Classifier
	logger          *slog.Logger
	maxEntries      int
	sweepInterval   int
	localhostExempt bool
}

// WithName labels the registry in logs and on [throttle.Entry.Manager].
func WithName(name string) Option {
	return func(o *options) error {
		o.name = name
		return nil
	}
}

// WithClock replaces the system clock for the registry and its entries.
func WithClock(c throttle.Clock) Option {
	return func(o *options) error {
		if c == nil {
			return errors.New("clock must not be nil")
		}
		o.clock = c
		return nil
	}
}

// WithJitterSource replaces the random source entries use for jitter.
func WithJitterSource(j throttle.JitterSource) Option {
	return func(o *options) error {
		if j == nil {
			return errors.New("jitter source must not be nil")
		}
		o.jitter = j
		return nil
	}
}

// WithClassifier replaces [throttle.ClassifyStatus] for every entry.
func WithClassifier(fn throttle.Classifier) Option {
	return func(o *options) error {
		if fn == nil {
			return errors.New("classifier must not be nil")
		}
		o.classify = fn
		return nil
	}
}

// WithLogger injects a custom [slog.Logger] into the [Registry].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}

// WithMaxEntries caps the number of tracked destinations. When full, the
// least recently used entry is dropped.
func WithMaxEntries(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return errors.New("max entries must be greater than zero")
		}
		o.maxEntries = n
		return nil
	}
}

// WithSweepInterval sets how many registrations happen between sweeps for
// outdated entries.
func WithSweepInterval(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return errors.New("sweep interval must be greater than zero")
		}
		o.sweepInterval = n
		return nil
	}
}

// WithLocalhostExempt controls whether loopback destinations are exempt
// from backoff. It defaults to true so local development servers are never
// locked out.
func WithLocalhostExempt(exempt bool) Option {
	return func(o *options) error {
		o.localhostExempt = exempt
		return nil
	}
}
