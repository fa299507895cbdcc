// Package transport plugs the backoff throttle into net/http as an
// [http.RoundTripper], next to a plain token-bucket limiter.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/adamwoolhether/backoffer/throttle"
	"github.com/adamwoolhether/backoffer/throttle/registry"
)

// Registry is the part of [registry.Registry] the round tripper needs.
type Registry interface {
	ShouldRejectRequest(u *url.URL, isExplicitUserGesture bool) (bool, time.Time)
	ReserveSendingTime(u *url.URL) time.Duration
	UpdateWithResponse(u *url.URL, statusCode int)
	UpdateWithRetryAfter(u *url.URL, d time.Duration)
	OptOut(host string)
}

// Option is a functional option for [NewRoundTripper].
type Option func(*options)

type options struct {
	pacing bool
	clock  throttle.Clock
	tracer trace.Tracer
}

// WithPacing makes the round tripper sleep for the advised delay before
// sending. Without it the advice is only recorded.
func WithPacing() Option {
	return func(o *options) {
		o.pacing = true
	}
}

// WithClock sets the clock used to interpret Retry-After dates.
func WithClock(c throttle.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithTracer sets the tracer spans are started on.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// backoff is an http.RoundTripper that consults the registry before every
// request and feeds every response back into it.
type backoff struct {
	reg    Registry
	next   http.RoundTripper
	logFn  func() *slog.Logger
	pacing bool
	clock  throttle.Clock
	tracer trace.Tracer
}

// NewRoundTripper returns an http.RoundTripper that refuses requests to
// destinations in backoff and reports outcomes to reg. logFn lazily
// resolves the logger at request time; a nil result silences logging.
func NewRoundTripper(reg Registry, logFn func() *slog.Logger, next http.RoundTripper, optFns ...Option) (http.RoundTripper, error) {
	if reg == nil {
		return nil, errors.New("registry must not be nil")
	}
	if next == nil {
		next = http.DefaultTransport
	}
	if logFn == nil {
		logFn = func() *slog.Logger { return nil }
	}

	var opts options
	for _, opt := range optFns {
		opt(&opts)
	}
	if opts.clock == nil {
		opts.clock = throttle.SystemClock{}
	}
	if opts.tracer == nil {
		opts.tracer = noop.NewTracerProvider().Tracer("no-op tracer")
	}

	b := &backoff{
		reg:    reg,
		next:   next,
		logFn:  logFn,
		pacing: opts.pacing,
		clock:  opts.clock,
		tracer: opts.tracer,
	}

	return b, nil
}

func (b *backoff) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w early: %w", ErrContextEnded, err)
	}

	id := registry.IDFromURL(r.URL)
	ctx, span := b.tracer.Start(ctx, "throttle.roundtrip")
	defer span.End()
	span.SetAttributes(attribute.String("throttle.id", id))

	logger := b.logFn()

	if rejected, until := b.reg.ShouldRejectRequest(r.URL, IsUserGesture(ctx)); rejected {
		span.AddEvent("throttle.rejected", trace.WithAttributes(attribute.String("throttle.until", until.Format(time.RFC3339Nano))))
		span.SetStatus(codes.Error, ErrRequestRejected.Error())

		if logger != nil {
			logger.Info("throttle rejected request", "id", id, "method", r.Method, "until", until)
		}

		return nil, &RejectedError{ID: id, Until: until, Err: ErrRequestRejected}
	}

	delay := b.reg.ReserveSendingTime(r.URL)
	if b.pacing && delay > 0 {
		span.AddEvent("throttle.paced", trace.WithAttributes(attribute.Int64("throttle.delay_ms", delay.Milliseconds())))

		if logger != nil {
			logger.Info("throttle pacing request", "id", id, "delay", delay.String())
		}

		if err := sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("%w while pacing: %w", ErrContextEnded, err)
		}
	}

	resp, err := b.next.RoundTrip(r)
	if err != nil {
		// A caller giving up says nothing about the destination.
		if ctx.Err() == nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			b.reg.UpdateWithResponse(r.URL, statusTransportError)
		}
		return nil, err
	}

	b.observe(r.URL, resp, logger)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	return resp, nil
}

// observe reports a response to the registry.
func (b *backoff) observe(u *url.URL, resp *http.Response, logger *slog.Logger) {
	if strings.EqualFold(strings.TrimSpace(resp.Header.Get(OptOutHeader)), OptOutValue) {
		b.reg.OptOut(u.Hostname())
		if logger != nil {
			logger.Info("throttle opt-out received", "host", u.Hostname())
		}
	}

	b.reg.UpdateWithResponse(u, resp.StatusCode)

	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		if d := parseRetryAfter(resp.Header.Get("Retry-After"), b.clock.Now()); d > 0 {
			b.reg.UpdateWithRetryAfter(u, d)
		}
	}
}

// parseRetryAfter reads either delay-seconds or an HTTP date. Anything
// unparseable or in the past yields zero.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}

	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
