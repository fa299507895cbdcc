package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/adamwoolhether/backoffer/throttle/transport"
)

// Client wraps the std-lib *http.Client.
// Its transport chain is assembled by Build from the given options.
type Client struct {
	c      *http.Client
	logger *slog.Logger
	reg    Registry
}

// Build assembles a Client. The transport chain, from the outside in, is:
// backoff, rate limit, user agent, base transport. Backoff sits outermost so
// rejected requests never wait for a token.
func Build(optFns ...Option) (*Client, error) {
	client := &Client{
		c:      &http.Client{},
		logger: slog.Default(),
	}

	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying client option: %w", err)
		}
	}

	if opts.client != nil {
		client.c = opts.client
	}

	if opts.logger != nil {
		client.logger = opts.logger
	}

	if opts.timeout != nil {
		client.c.Timeout = *opts.timeout
	}

	if opts.noFollowRedirects {
		client.c.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	if opts.pacing && opts.reg == nil {
		return nil, errors.New("pacing requires a backoff registry")
	}

	logFn := func() *slog.Logger { return client.logger }

	var rt http.RoundTripper
	switch {
	case opts.rt != nil:
		rt = opts.rt
	case opts.client != nil && opts.client.Transport != nil:
		rt = opts.client.Transport
	default:
		rt = http.DefaultTransport
	}
	if opts.userAgent != "" {
		rt = userAgent{value: opts.userAgent, base: rt}
	}
	if opts.rateLimit != nil {
		limited, err := transport.NewRateLimiter(opts.rateLimit.rps, opts.rateLimit.burst, logFn, rt)
		if err != nil {
			return nil, fmt.Errorf("configuring rate limit: %w", err)
		}
		rt = limited
	}
	if opts.reg != nil {
		var tOpts []transport.Option
		if opts.pacing {
			tOpts = append(tOpts, transport.WithPacing())
		}
		if opts.tracer != nil {
			tOpts = append(tOpts, transport.WithTracer(opts.tracer))
		}

		throttled, err := transport.NewRoundTripper(opts.reg, logFn, rt, tOpts...)
		if err != nil {
			return nil, fmt.Errorf("configuring backoff: %w", err)
		}
		rt = throttled
		client.reg = opts.reg
	}
	client.c.Transport = rt

	return client, nil
}

// Do will fire the request, and write the response to the given
// destination if any. A body that fails to decode is reported to the
// backoff registry as malformed content.
func (c *Client) Do(req *http.Request, expCode int, opts ...DoOption) error {
	var settings doOpts
	for _, opt := range opts {
		if err := opt(&settings); err != nil {
			return err
		}
	}

	resp, err := c.c.Do(req)
	if err != nil {
		return fmt.Errorf("exec http do: %w", err)
	}

	defer func() {
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			c.logger.Error("failed to discard unused body", "error", err)
		}
		if err := resp.Body.Close(); err != nil {
			c.logger.Error("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode != expCode {
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrBodySize))
		if err != nil {
			b = []byte("unable to read body")
		}

		statusErr := ErrUnexpectedStatusCode
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			statusErr = errors.Join(ErrUnexpectedStatusCode, ErrAuthFailure)
		}

		return &UnexpectedStatusError{
			StatusCode: resp.StatusCode,
			Body:       string(b),
			Err:        statusErr,
		}
	}

	if settings.responseBody == nil {
		return nil
	}

	d := json.NewDecoder(resp.Body)
	if settings.useJSONNum {
		d.UseNumber()
	}

	if err := d.Decode(settings.responseBody); err != nil {
		if c.reg != nil {
			c.reg.ReceivedContentWasMalformed(req.URL, resp.StatusCode)
			c.logger.Info("malformed response body reported", "url", req.URL.Redacted(), "status", resp.StatusCode)
		}
		return fmt.Errorf("%w: %w", ErrMalformedBody, err)
	}

	return nil
}

// Request instantiates an *http.Request with the provided information.
// Content-Type defaults to `application/json` if unspecified via WithContentType.
func Request(ctx context.Context, reqURL *url.URL, method string, opts ...RequestOption) (*http.Request, error) {
	var settings requestOpts
	for _, opt := range opts {
		if err := opt(&settings); err != nil {
			return nil, err
		}
	}

	if settings.userGesture {
		ctx = transport.WithUserGesture(ctx)
	}

	var body io.Reader = http.NoBody
	if settings.body != nil {
		var payload bytes.Buffer
		if err := json.NewEncoder(&payload).Encode(settings.body); err != nil {
			return nil, fmt.Errorf("encoding request payload: %w", err)
		}
		body = &payload
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("instantiating request: %w", err)
	}

	contentType := "application/json"
	if settings.contentType != nil {
		contentType = *settings.contentType
	}

	req.Header.Set("Content-Type", contentType)
	for k, v := range settings.headers {
		for _, element := range v {
			req.Header.Add(k, element)
		}
	}

	return req, nil
}
