package client_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/adamwoolhether/backoffer/client"
	"github.com/adamwoolhether/backoffer/throttle"
	"github.com/adamwoolhether/backoffer/throttle/registry"
	"github.com/adamwoolhether/backoffer/throttle/transport"
)

type payload struct {
	Body string `json:"body"`
}

// roundTripFunc adapts a function into an http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) (*registry.Registry, *throttle.ManualClock) {
	t.Helper()

	clock := throttle.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	policy := throttle.Policy{
		SlidingWindowPeriod: time.Second,
		MaxSendThreshold:    10,
		NumErrorsToIgnore:   0,
		InitialDelay:        time.Second,
		MultiplyFactor:      2,
		JitterFactor:        0,
		MaximumBackoff:      time.Minute,
		EntryLifetime:       time.Minute,
	}

	// httptest listens on loopback.
	reg, err := registry.New(policy,
		registry.WithClock(clock),
		registry.WithLocalhostExempt(false),
		registry.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	return reg, clock
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse URL: %v", err)
	}
	return u
}

func get(t *testing.T, c *client.Client, u *url.URL, expCode int, opts ...client.DoOption) error {
	t.Helper()

	req, err := client.Request(t.Context(), u, http.MethodGet)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	return c.Do(req, expCode, opts...)
}

func TestClient_WithUserAgent(t *testing.T) {
	expectedUA := "TestUserAgent/1.0"

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != expectedUA {
			t.Errorf("expected User-Agent %q, got %q", expectedUA, ua)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	reg, _ := testRegistry(t)

	// Every layer of the chain, in an arbitrary option order.
	c, err := client.Build(
		client.WithBackoff(reg),
		client.WithRateLimit(100, 10),
		client.WithUserAgent(expectedUA),
		client.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := get(t, c, mustParse(t, ts.URL), http.StatusOK); err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
}

func TestClient_BuildValidation(t *testing.T) {
	reg, _ := testRegistry(t)

	testCases := []struct {
		name   string
		opts   []client.Option
		expErr error
	}{
		{name: "nil client", opts: []client.Option{client.WithClient(nil)}},
		{name: "nil transport", opts: []client.Option{client.WithTransport(nil)}},
		{name: "negative timeout", opts: []client.Option{client.WithTimeout(-1)}},
		{name: "zero rps", opts: []client.Option{client.WithRateLimit(0, 10)}, expErr: transport.ErrMustNotBeZero},
		{name: "nil registry", opts: []client.Option{client.WithBackoff(nil)}},
		{name: "nil tracer", opts: []client.Option{client.WithTracer(nil)}},
		{name: "pacing without registry", opts: []client.Option{client.WithPacing()}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.Build(tc.opts...)
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.expErr != nil && !errors.Is(err, tc.expErr) {
				t.Errorf("exp err %v; got %v", tc.expErr, err)
			}
		})
	}

	if _, err := client.Build(client.WithBackoff(reg), client.WithPacing(), client.WithTimeout(0)); err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
}

func TestClient_WithClientAndWithTransport(t *testing.T) {
	var called bool
	custom := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		called = true
		return http.DefaultTransport.RoundTrip(r)
	})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	hc := &http.Client{Timeout: 42 * time.Second}
	c, err := client.Build(client.WithClient(hc), client.WithTransport(custom))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := get(t, c, mustParse(t, ts.URL), http.StatusOK); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !called {
		t.Error("custom transport was not called")
	}
	if hc.Timeout != 42*time.Second {
		t.Errorf("expected timeout to be kept, got %v", hc.Timeout)
	}
}

func TestClient_WithNoFollowRedirects(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/final" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Redirect(w, r, "/final", http.StatusFound)
	}))
	defer ts.Close()

	c, err := client.Build(client.WithNoFollowRedirects())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := get(t, c, mustParse(t, ts.URL+"/start"), http.StatusFound); err != nil {
		t.Errorf("expected redirect response, got: %v", err)
	}
}

func TestClient_Do(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"body":"hello"}`)
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.Copy(w, r.Body)
	})
	mux.HandleFunc("/number", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":12345678901234567}`)
	})
	mux.HandleFunc("/forbidden", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "go away")
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c, err := client.Build(client.WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("capture and echo", func(t *testing.T) {
		req, err := client.Request(t.Context(), mustParse(t, ts.URL+"/echo"), http.MethodPost, client.WithPayload(payload{Body: "hey there"}))
		if err != nil {
			t.Fatal(err)
		}

		var got payload
		if err := c.Do(req, http.StatusOK, client.WithDestination(&got)); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(payload{Body: "hey there"}, got); diff != "" {
			t.Errorf("echo mismatch (-exp +got):\n%s", diff)
		}
	})

	t.Run("json number", func(t *testing.T) {
		raw := map[string]any{}
		if err := get(t, c, mustParse(t, ts.URL+"/number"), http.StatusOK, client.WithDestination(&raw), client.WithJSONNumb()); err != nil {
			t.Fatal(err)
		}

		n, ok := raw["id"].(json.Number)
		if !ok {
			t.Fatalf("expected json.Number, got %T", raw["id"])
		}
		if n.String() != "12345678901234567" {
			t.Errorf("expected 12345678901234567, got %s", n.String())
		}
	})

	t.Run("unexpected status", func(t *testing.T) {
		err := get(t, c, mustParse(t, ts.URL), http.StatusAccepted)

		var statusErr *client.UnexpectedStatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("expected UnexpectedStatusError, got %v", err)
		}
		if statusErr.StatusCode != http.StatusOK {
			t.Errorf("expected status 200, got %d", statusErr.StatusCode)
		}
		if errors.Is(err, client.ErrAuthFailure) {
			t.Error("did not expect auth failure")
		}
	})

	t.Run("auth failure", func(t *testing.T) {
		err := get(t, c, mustParse(t, ts.URL+"/forbidden"), http.StatusOK)
		if !errors.Is(err, client.ErrUnexpectedStatusCode) || !errors.Is(err, client.ErrAuthFailure) {
			t.Errorf("expected status and auth errors, got %v", err)
		}

		var statusErr *client.UnexpectedStatusError
		if errors.As(err, &statusErr) && statusErr.Body != "go away" {
			t.Errorf("expected body %q, got %q", "go away", statusErr.Body)
		}
	})
}

func TestClient_BackoffRejects(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	reg, clock := testRegistry(t)
	c, err := client.Build(client.WithBackoff(reg), client.WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}

	u := mustParse(t, ts.URL+"/api")

	var statusErr *client.UnexpectedStatusError
	if err := get(t, c, u, http.StatusOK); !errors.As(err, &statusErr) {
		t.Fatalf("expected 503 status error, got %v", err)
	}

	err = get(t, c, u, http.StatusOK)
	if !errors.Is(err, transport.ErrRequestRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}

	var rejected *transport.RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %T", err)
	}
	if exp := clock.Now().Add(time.Second); !rejected.Until.Equal(exp) {
		t.Errorf("expected until %v, got %v", exp, rejected.Until)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 call to reach the server, got %d", got)
	}

	req, err := client.Request(t.Context(), u, http.MethodGet, client.AsUserGesture())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Do(req, http.StatusServiceUnavailable); err != nil {
		t.Errorf("expected user gesture to bypass backoff, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 calls to reach the server, got %d", got)
	}
}

func TestClient_MalformedBodyCountsAsFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"body":`)
	}))
	defer ts.Close()

	reg, _ := testRegistry(t)
	c, err := client.Build(client.WithBackoff(reg), client.WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}

	u := mustParse(t, ts.URL+"/data")

	var got payload
	if err := get(t, c, u, http.StatusOK, client.WithDestination(&got)); !errors.Is(err, client.ErrMalformedBody) {
		t.Fatalf("expected ErrMalformedBody, got %v", err)
	}

	e, ok := reg.Lookup(u)
	if !ok {
		t.Fatal("expected entry for destination")
	}
	if e.FailureCount() != 1 {
		t.Errorf("expected 1 failure, got %d", e.FailureCount())
	}

	if err := get(t, c, u, http.StatusOK); !errors.Is(err, transport.ErrRequestRejected) {
		t.Errorf("expected next request to be rejected, got %v", err)
	}
}

func TestClient_RepeatedMalformedBodiesTriggerBackoff(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"body":`)
	}))
	defer ts.Close()

	policy := throttle.DefaultPolicy()
	reg, err := registry.New(policy,
		registry.WithClock(throttle.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))),
		registry.WithJitterSource(throttle.NoJitter{}),
		registry.WithLocalhostExempt(false),
		registry.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	c, err := client.Build(client.WithBackoff(reg), client.WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}

	u := mustParse(t, ts.URL+"/data")

	// The default policy ignores two failures, so the third malformed body
	// starts the backoff.
	for i := 1; i <= policy.NumErrorsToIgnore+1; i++ {
		var got payload
		if err := get(t, c, u, http.StatusOK, client.WithDestination(&got)); !errors.Is(err, client.ErrMalformedBody) {
			t.Fatalf("request %d: expected ErrMalformedBody, got %v", i, err)
		}
	}

	e, ok := reg.Lookup(u)
	if !ok {
		t.Fatal("expected entry for destination")
	}
	if exp := policy.NumErrorsToIgnore + 1; e.FailureCount() != exp {
		t.Errorf("expected %d failures, got %d", exp, e.FailureCount())
	}

	if err := get(t, c, u, http.StatusOK); !errors.Is(err, transport.ErrRequestRejected) {
		t.Errorf("expected rejection after repeated malformed bodies, got %v", err)
	}
	if got := calls.Load(); got != int32(policy.NumErrorsToIgnore+1) {
		t.Errorf("expected %d calls to reach the server, got %d", policy.NumErrorsToIgnore+1, got)
	}
}

func TestClient_MalformedBodyWithoutBackoff(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json`)
	}))
	defer ts.Close()

	c, err := client.Build(client.WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}

	var got payload
	if err := get(t, c, mustParse(t, ts.URL), http.StatusOK, client.WithDestination(&got)); !errors.Is(err, client.ErrMalformedBody) {
		t.Errorf("expected ErrMalformedBody, got %v", err)
	}
}

func TestRequest(t *testing.T) {
	u := mustParse(t, "https://example.com/api/v1")

	testCases := []struct {
		name       string
		opts       []client.RequestOption
		expCT      string
		expHeader  string
		expGesture bool
		expErr     bool
	}{
		{name: "defaults", expCT: "application/json"},
		{name: "content type", opts: []client.RequestOption{client.WithContentType("text/plain")}, expCT: "text/plain"},
		{name: "empty content type", opts: []client.RequestOption{client.WithContentType("")}, expErr: true},
		{name: "headers", opts: []client.RequestOption{client.WithHeaders(map[string][]string{"X-Request-ID": {"abc123"}})}, expCT: "application/json", expHeader: "abc123"},
		{name: "user gesture", opts: []client.RequestOption{client.AsUserGesture()}, expCT: "application/json", expGesture: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := client.Request(t.Context(), u, http.MethodGet, tc.opts...)
			if tc.expErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}

			if got := req.Header.Get("Content-Type"); got != tc.expCT {
				t.Errorf("exp content type %q; got %q", tc.expCT, got)
			}
			if got := req.Header.Get("X-Request-ID"); got != tc.expHeader {
				t.Errorf("exp header %q; got %q", tc.expHeader, got)
			}
			if got := transport.IsUserGesture(req.Context()); got != tc.expGesture {
				t.Errorf("exp gesture %t; got %t", tc.expGesture, got)
			}
		})
	}
}
