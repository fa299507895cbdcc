// Package registry owns throttle entries: one per destination, created on
// first use and dropped once outdated.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/adamwoolhether/backoffer/throttle"
)

var (
	ErrClosed = errors.New("registry closed")
	ErrNilURL = errors.New("url must not be nil")
)

// Registry maps destinations to throttle entries. It is safe for concurrent
// use; every call into an entry happens under the registry's lock, which
// is what lets entries themselves skip locking.
type Registry struct {
	mu sync.Mutex

	name            string
	policy          throttle.Policy
	clock           throttle.Clock
	entryOpts       []throttle.Option
	logger          *slog.Logger
	entries         *simplelru.LRU[string, *throttle.Entry]
	optOutHosts     map[string]struct{}
	localhostExempt bool
	sweepInterval   int
	sinceSweep      int
	closed          bool
}

// New validates policy and returns an empty Registry.
func New(policy throttle.Policy, optFns ...Option) (*Registry, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	opts := options{
		name:            "default",
		clock:           throttle.SystemClock{},
		logger:          slog.Default(),
		maxEntries:      DefaultMaxEntries,
		sweepInterval:   DefaultSweepInterval,
		localhostExempt: true,
	}
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying registry option: %w", err)
		}
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}

	r := &Registry{
		name:            opts.name,
		policy:          policy,
		clock:           opts.clock,
		logger:          opts.logger,
		optOutHosts:     make(map[string]struct{}),
		localhostExempt: opts.localhostExempt,
		sweepInterval:   opts.sweepInterval,
	}

	r.entryOpts = []throttle.Option{
		throttle.WithClock(opts.clock),
		throttle.WithManager(r),
	}
	if opts.jitter != nil {
		r.entryOpts = append(r.entryOpts, throttle.WithJitterSource(opts.jitter))
	}
	if opts.classify != nil {
		r.entryOpts = append(r.entryOpts, throttle.WithClassifier(opts.classify))
	}

	entries, err := simplelru.NewLRU(opts.maxEntries, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("creating entry cache: %w", err)
	}
	r.entries = entries

	return r, nil
}

// Name implements throttle.Manager.
func (r *Registry) Name() string { return r.name }

// Policy returns the policy every entry is created with.
func (r *Registry) Policy() throttle.Policy { return r.policy }

// ShouldRejectRequest reports whether a request to u must be held back, and
// if so, until when.
func (r *Registry) ShouldRejectRequest(u *url.URL, isExplicitUserGesture bool) (bool, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.register(u)
	if err != nil {
		return false, time.Time{}
	}

	now := r.clock.Now()
	if !e.ShouldRejectRequest(now, isExplicitUserGesture) {
		return false, time.Time{}
	}

	return true, e.GetExponentialBackoffReleaseTime()
}

// ReserveSendingTime records an upcoming request to u and returns the
// advised wait before sending it.
func (r *Registry) ReserveSendingTime(u *url.URL) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.register(u)
	if err != nil {
		return 0
	}

	return e.ReserveSendingTimeForNextRequest(r.clock.Now())
}

// UpdateWithResponse records the status of a completed request to u.
func (r *Registry) UpdateWithResponse(u *url.URL, statusCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.register(u)
	if err != nil {
		return
	}

	e.UpdateWithResponse(r.clock.Now(), statusCode)
}

// ReceivedContentWasMalformed records that the body returned by u could
// not be used.
func (r *Registry) ReceivedContentWasMalformed(u *url.URL, statusCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.register(u)
	if err != nil {
		return
	}

	e.ReceivedContentWasMalformed(r.clock.Now(), statusCode)
}

// UpdateWithRetryAfter holds requests to u for d, as asked by the server.
func (r *Registry) UpdateWithRetryAfter(u *url.URL, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.register(u)
	if err != nil {
		return
	}

	e.UpdateWithRetryAfter(r.clock.Now(), d)
}

// Lookup returns the entry tracking u without registering a request. The
// entry must not be used while other goroutines go through the Registry.
func (r *Registry) Lookup(u *url.URL) (*throttle.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.entries.Peek(IDFromURL(u))
}

// OptOut disables backoff for every current and future entry of host.
func (r *Registry) OptOut(host string) {
	host = strings.ToLower(host)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.optOutHosts[host]; ok {
		return
	}
	r.optOutHosts[host] = struct{}{}

	for _, id := range r.entries.Keys() {
		e, ok := r.entries.Peek(id)
		if !ok {
			continue
		}
		if hostOf(id) == host {
			e.DisableBackoffThrottling()
		}
	}

	r.logger.Info("throttle opt-out", "registry", r.name, "host", host)
}

// IsOptedOut reports whether host has opted out of backoff.
func (r *Registry) IsOptedOut(host string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.optOutHosts[strings.ToLower(host)]
	return ok
}

// Sweep drops every outdated entry and returns how many went.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sweep()
}

// Reset drops every entry. Opt-outs survive. Use it when the network
// changes and past failures say nothing about the new path.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.entries.Len()
	r.entries.Purge()
	r.sinceSweep = 0

	r.logger.Info("throttle registry reset", "registry", r.name, "dropped", n)
}

// Close detaches and drops every entry. Later calls admit every request
// and record nothing.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	r.closed = true
	r.entries.Purge()

	return nil
}

// Len returns the number of tracked destinations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.entries.Len()
}

// register returns the entry for u, creating it if needed, and runs a
// sweep every sweepInterval registrations. r.mu must be held.
func (r *Registry) register(u *url.URL) (*throttle.Entry, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if u == nil {
		return nil, ErrNilURL
	}

	r.sinceSweep++
	if r.sinceSweep >= r.sweepInterval {
		r.sweep()
	}

	id := IDFromURL(u)
	if e, ok := r.entries.Get(id); ok {
		return e, nil
	}

	e, err := throttle.NewEntry(id, r.policy, r.entryOpts...)
	if err != nil {
		return nil, err
	}

	host := strings.ToLower(u.Hostname())
	if _, ok := r.optOutHosts[host]; ok {
		e.DisableBackoffThrottling()
	}
	if r.localhostExempt && isLocalhost(host) {
		e.DisableBackoffThrottling()
	}

	r.entries.Add(id, e)
	r.logger.Debug("throttle entry created", "registry", r.name, "id", id, "instance", e.InstanceID().String())

	return e, nil
}

// sweep drops outdated entries. r.mu must be held.
func (r *Registry) sweep() int {
	r.sinceSweep = 0

	now := r.clock.Now()
	var dropped int
	for _, id := range r.entries.Keys() {
		e, ok := r.entries.Peek(id)
		if !ok || !e.IsEntryOutdated(now) {
			continue
		}
		r.entries.Remove(id)
		dropped++
	}

	if dropped > 0 {
		r.logger.Debug("throttle sweep", "registry", r.name, "dropped", dropped, "remaining", r.entries.Len())
	}

	return dropped
}

// onEvict runs for every entry leaving the cache, whether swept, pushed
// out by capacity, purged, or closed.
func (r *Registry) onEvict(id string, e *throttle.Entry) {
	e.DetachManager()
}

// IDFromURL returns the key entries are tracked under: the lowercased
// scheme, host, port and path. Query, fragment and credentials are dropped
// so requests differing only in parameters share an entry.
func IDFromURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	return strings.ToLower(u.Scheme + "://" + u.Host + path)
}

func hostOf(id string) string {
	u, err := url.Parse(id)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func isLocalhost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}

	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
