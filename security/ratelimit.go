package security

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/storegate/authproxy/storage"
)

// Result is the outcome of a rate-limit check.
type Result struct {
	// Allowed is false once the window's ceiling has been reached.
	Allowed bool

	// Remaining is the number of requests left in the current window.
	Remaining int64

	// ResetAt is when the current window rolls over. The handler derives
	// Retry-After from it on rejection.
	ResetAt time.Time
}

// RateLimiter enforces a fixed-window ceiling per identity key. It is an
// injected dependency, never global state: construct one per endpoint
// policy and pass it to the handler.
//
// The counter store may be process-local (memory) or shared (valkey); a
// shared store gives all proxy instances a common window.
type RateLimiter struct {
	store  storage.RateLimitStore
	max    int64
	window time.Duration
	logger *slog.Logger
}

// NewRateLimiter creates a fixed-window limiter allowing max requests
// per window, counting in the given store.
func NewRateLimiter(store storage.RateLimitStore, max int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		store:  store,
		max:    int64(max),
		window: window,
		logger: logger,
	}
}

// Check counts a request against key's current window. The increment and
// the ceiling check are a single store operation, so two concurrent
// requests cannot both observe the last free slot.
//
// A store failure is reported as an error, not silently allowed: the
// caller decides whether to fail open or closed.
func (rl *RateLimiter) Check(ctx context.Context, key string) (Result, error) {
	count, resetAt, err := rl.store.IncrWindow(ctx, key, rl.window)
	if err != nil {
		return Result{}, err
	}

	remaining := rl.max - count
	if remaining < 0 {
		remaining = 0
	}

	res := Result{
		Allowed:   count <= rl.max,
		Remaining: remaining,
		ResetAt:   resetAt,
	}

	if !res.Allowed {
		rl.logger.Debug("Rate limit exceeded",
			"count", count,
			"max", rl.max,
			"reset_at", resetAt)
	}

	return res, nil
}

// Window returns the configured window length.
func (rl *RateLimiter) Window() time.Duration {
	return rl.window
}

// RetryAfter returns the whole seconds until the window resets, at least 1.
func (r Result) RetryAfter(now time.Time) int64 {
	secs := int64(r.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// AuthLimitKey builds the stricter issuance-endpoint identity: IP plus
// User-Agent. The UA component makes minting abuse from shared egress
// IPs separable without widening the proxy limiter's key.
func AuthLimitKey(ip, userAgent string) string {
	return "auth:" + ip + ":" + hashForLogging(userAgent)
}

// ProxyLimitKey builds the proxy-endpoint identity from the IP alone.
func ProxyLimitKey(ip string) string {
	return "proxy:" + ip
}

// InProcessCounters is a minimal process-local RateLimitStore for use
// when no shared store is configured. Windows reset at their recorded
// boundary; rolled-over entries are reclaimed lazily on access and by
// the caller-driven Sweep.
type InProcessCounters struct {
	mu      sync.Mutex
	windows map[string]*inProcessWindow
	now     func() time.Time
}

type inProcessWindow struct {
	count   int64
	resetAt time.Time
}

var _ storage.RateLimitStore = (*InProcessCounters)(nil)

// NewInProcessCounters creates an empty process-local counter store.
func NewInProcessCounters() *InProcessCounters {
	return &InProcessCounters{
		windows: make(map[string]*inProcessWindow),
		now:     time.Now,
	}
}

// SetClock overrides the time source. For tests.
func (c *InProcessCounters) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// IncrWindow implements storage.RateLimitStore.
func (c *InProcessCounters) IncrWindow(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &inProcessWindow{resetAt: now.Add(window)}
		c.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt, nil
}

// Sweep removes rolled-over windows. Call periodically from a sweep task.
func (c *InProcessCounters) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, w := range c.windows {
		if !now.Before(w.resetAt) {
			delete(c.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows.
func (c *InProcessCounters) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}
