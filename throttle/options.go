package throttle

// Option is a functional option for configuring an [Entry] via [NewEntry].
type Option func(*options)

type options struct {
	clock    Clock
	jitter   JitterSource
	classify Classifier
	manager  Manager
}

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithJitterSource replaces the random source used to jitter delays.
func WithJitterSource(j JitterSource) Option {
	return func(o *options) {
		o.jitter = j
	}
}

// WithClassifier replaces [ClassifyStatus].
func WithClassifier(fn Classifier) Option {
	return func(o *options) {
		o.classify = fn
	}
}

// WithManager records the registry that owns the entry.
func WithManager(m Manager) Option {
	return func(o *options) {
		o.manager = m
	}
}
