package transport

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewRateLimiter_Validation(t *testing.T) {
	testCases := []struct {
		name   string
		rps    int
		burst  int
		expErr error
	}{
		{
			name:   "Invalid RPS (zero)",
			rps:    0,
			burst:  10,
			expErr: ErrMustNotBeZero,
		},
		{
			name:   "Invalid RPS (negative)",
			rps:    -5,
			burst:  10,
			expErr: ErrMustNotBeZero,
		},
		{
			name:   "Invalid Burst (zero)",
			rps:    10,
			burst:  0,
			expErr: ErrMustNotBeZero,
		},
		{
			name:  "Valid input",
			rps:   10,
			burst: 20,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rt, err := NewRateLimiter(tc.rps, tc.burst, func() *slog.Logger { return nil }, http.DefaultTransport)

			if tc.expErr != nil {
				if !errors.Is(err, tc.expErr) {
					t.Errorf("exp err %v; got: %v", tc.expErr, err)
				}
				return
			}

			if err != nil {
				t.Errorf("exp nil err, got: %v", err)
			}
			if rt == nil {
				t.Error("exp non-nil RoundTripper")
			}
		})
	}
}

func TestRateLimiter_PerHostBuckets(t *testing.T) {
	srv := newStubServer(http.StatusOK)
	rt, err := NewRateLimiter(1, 1, nil, srv)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	for _, target := range []string{"https://a.example.com/", "https://b.example.com/", "https://C.example.com/"} {
		if _, err := do(t, rt, context.Background(), target); err != nil {
			t.Fatalf("%s: %v", target, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("exp each host to start with a full bucket; took %v", elapsed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = do(t, rt, ctx, "https://c.example.com/again")
	if !errors.Is(err, ErrWaitingFailed) {
		t.Errorf("exp ErrWaitingFailed once the host's bucket is empty; got %v", err)
	}
	if got := srv.calls.Load(); got != 3 {
		t.Errorf("exp 3 calls to reach the server; got %d", got)
	}
}

func TestRateLimiter_SlowsBurst(t *testing.T) {
	srv := newStubServer(http.StatusOK)
	rt, err := NewRateLimiter(10, 5, func() *slog.Logger { return nil }, srv)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)

	start := time.Now()
	for i := range errs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = do(t, rt, context.Background(), "https://api.example.com/")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d: %v", i, err)
		}
	}

	// 3 requests beyond the burst at 10 rps.
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("exp the burst to be slowed down; took %v", elapsed)
	}
}

func TestRateLimiter_ContextEndedEarly(t *testing.T) {
	rt, err := NewRateLimiter(10, 10, nil, newStubServer(http.StatusOK))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := do(t, rt, ctx, "https://api.example.com/"); !errors.Is(err, ErrContextEnded) {
		t.Errorf("exp ErrContextEnded; got %v", err)
	}
}

func TestRateLimiter_LoggingSpendsOneToken(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	srv := newStubServer(http.StatusOK)
	rt, err := NewRateLimiter(1, 2, func() *slog.Logger { return logger }, srv)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	for range 2 {
		if _, err := do(t, rt, context.Background(), "https://api.example.com/"); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("exp a burst of 2 to pass without waiting; took %v", elapsed)
	}
	if logs.Len() != 0 {
		t.Errorf("exp nothing logged while tokens remain; got %s", logs.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := do(t, rt, ctx, "https://api.example.com/"); !errors.Is(err, ErrWaitingFailed) {
		t.Errorf("exp ErrWaitingFailed; got %v", err)
	}
	if !strings.Contains(logs.String(), "rate limit tokens exhausted") {
		t.Errorf("exp exhaustion to be logged; got %s", logs.String())
	}
	if got := srv.calls.Load(); got != 2 {
		t.Errorf("exp 2 calls to reach the server; got %d", got)
	}
}
