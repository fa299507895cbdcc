package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/time/rate"
)

// maxLimitedHosts bounds the number of per-host buckets kept in memory.
const maxLimitedHosts = 1500

// rateLimit is an http.RoundTripper giving every host its own time/rate
// token bucket. It caps steady throughput where backoff only reacts to
// failures.
type rateLimit struct {
	mu       sync.Mutex
	limiters *simplelru.LRU[string, *rate.Limiter]
	rps      int
	burst    int
	next     http.RoundTripper
	logFn    func() *slog.Logger
}

// NewRateLimiter returns an http.RoundTripper that limits each host to rps
// requests per second with the given burst. logFn lazily resolves the
// logger at request time; it is only consulted when a request has to wait.
func NewRateLimiter(rps, burst int, logFn func() *slog.Logger, next http.RoundTripper) (http.RoundTripper, error) {
	if rps <= 0 || burst <= 0 {
		return nil, fmt.Errorf("rps[%d] and burst[%d] %w", rps, burst, ErrMustNotBeZero)
	}
	if next == nil {
		next = http.DefaultTransport
	}
	if logFn == nil {
		logFn = func() *slog.Logger { return nil }
	}

	limiters, err := simplelru.NewLRU[string, *rate.Limiter](maxLimitedHosts, nil)
	if err != nil {
		return nil, fmt.Errorf("creating limiter cache: %w", err)
	}

	rl := &rateLimit{
		limiters: limiters,
		rps:      rps,
		burst:    burst,
		next:     next,
		logFn:    logFn,
	}

	return rl, nil
}

func (rl *rateLimit) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w early: %w", ErrContextEnded, err)
	}

	host := strings.ToLower(r.URL.Host)
	limiter := rl.limiter(host)

	// Exactly one token per request, logged or not.
	res := limiter.Reserve()
	if !res.OK() {
		return nil, fmt.Errorf("%w: burst %d cannot serve a request", ErrWaitingFailed, rl.burst)
	}

	if delay := res.Delay(); delay > 0 {
		logger := rl.logFn()
		if logger != nil {
			logger.Info("rate limit tokens exhausted", "host", host, "rate", rl.rps, "burst", rl.burst, "delay", delay.String())
		}

		if err := sleep(ctx, delay); err != nil {
			res.Cancel()
			return nil, fmt.Errorf("%w: %w", ErrWaitingFailed, err)
		}

		if logger != nil {
			logger.Info("rate limit wait complete", "host", host, "waited", delay.String())
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w post-wait: %w", ErrContextEnded, err)
	}

	return rl.next.RoundTrip(r)
}

func (rl *rateLimit) limiter(host string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if l, ok := rl.limiters.Get(host); ok {
		return l
	}

	l := rate.NewLimiter(rate.Limit(rl.rps), rl.burst)
	rl.limiters.Add(host, l)

	return l
}
