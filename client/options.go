package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/adamwoolhether/backoffer/throttle/transport"
)

// Option is a functional option for configuring a [Client] via [Build].
type Option func(*options) error

type options struct {
	client            *http.Client
	rt                http.RoundTripper
	timeout           *time.Duration
	userAgent         string
	rateLimit         *rateLimit
	reg               Registry
	pacing            bool
	tracer            trace.Tracer
	noFollowRedirects bool
	logger            *slog.Logger
}

type rateLimit struct {
	rps   int
	burst int
}

// WithClient replaces the default [http.Client] used by the [Client].
func WithClient(hc *http.Client) Option {
	return func(o *options) error {
		if hc == nil {
			return errors.New("client must not be nil")
		}
		o.client = hc
		return nil
	}
}

// WithTransport sets a custom [http.RoundTripper] as the base transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) error {
		if rt == nil {
			return errors.New("transport must not be nil")
		}
		o.rt = rt
		return nil
	}
}

// WithTimeout sets the overall request timeout on the underlying [http.Client].
func WithTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return errors.New("timeout must not be negative")
		}
		o.timeout = &d
		return nil
	}
}

// WithUserAgent adds a persistent User-Agent header to all outgoing requests.
func WithUserAgent(header string) Option {
	return func(o *options) error {
		o.userAgent = header
		return nil
	}
}

// WithRateLimit gives every host a token bucket with the given requests
// per second and burst capacity.
func WithRateLimit(rps, burst int) Option {
	return func(o *options) error {
		if rps <= 0 || burst <= 0 {
			return fmt.Errorf("rps[%d] and burst[%d] %w", rps, burst, transport.ErrMustNotBeZero)
		}
		o.rateLimit = &rateLimit{rps: rps, burst: burst}
		return nil
	}
}

// WithBackoff routes every request through reg: destinations in backoff
// are refused without being sent, and every outcome is recorded.
func WithBackoff(reg Registry) Option {
	return func(o *options) error {
		if reg == nil {
			return errors.New("registry must not be nil")
		}
		o.reg = reg
		return nil
	}
}

// WithPacing makes requests wait for the registry's advised delay. It
// requires [WithBackoff].
func WithPacing() Option {
	return func(o *options) error {
		o.pacing = true
		return nil
	}
}

// WithTracer sets the tracer the backoff transport starts spans on.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) error {
		if t == nil {
			return errors.New("tracer must not be nil")
		}
		o.tracer = t
		return nil
	}
}

// WithNoFollowRedirects prevents the [Client] from following HTTP redirects.
func WithNoFollowRedirects() Option {
	return func(o *options) error {
		o.noFollowRedirects = true
		return nil
	}
}

// WithLogger injects a custom [slog.Logger] into the [Client].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}

// DoOption is a functional option for [Client.Do].
type DoOption func(options *doOpts) error

type doOpts struct {
	responseBody any
	useJSONNum   bool
}

// WithDestination decodes the HTTP response body into bodyTemplate.
// bodyTemplate must be a pointer.
func WithDestination[T any](bodyTemplate *T) DoOption {
	return func(opts *doOpts) error {
		if bodyTemplate == nil {
			return errors.New("destination must not be nil")
		}
		opts.responseBody = bodyTemplate
		return nil
	}
}

// WithJSONNumb tells the JSON decoder to use [json.Decoder.UseNumber],
// preserving number precision as [json.Number] instead of float64.
func WithJSONNumb() DoOption {
	return func(opts *doOpts) error {
		opts.useJSONNum = true
		return nil
	}
}

// RequestOption is a functional option for [Request].
type RequestOption func(options *requestOpts) error

type requestOpts struct {
	body        any
	contentType *string
	headers     map[string][]string
	userGesture bool
}

// WithPayload sets the JSON-encoded request body.
func WithPayload(body any) RequestOption {
	return func(opts *requestOpts) error {
		opts.body = body
		return nil
	}
}

// WithContentType overrides the default "application/json" Content-Type header.
func WithContentType(contentType string) RequestOption {
	return func(opts *requestOpts) error {
		if contentType == "" {
			return errors.New("cannot use empty content type")
		}
		opts.contentType = &contentType
		return nil
	}
}

// WithHeaders adds custom headers to the outgoing request.
func WithHeaders(headers map[string][]string) RequestOption {
	return func(opts *requestOpts) error {
		opts.headers = headers
		return nil
	}
}

// AsUserGesture marks the request as explicitly initiated by a user, so
// backoff never rejects it.
func AsUserGesture() RequestOption {
	return func(opts *requestOpts) error {
		opts.userGesture = true
		return nil
	}
}
