package enforce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

// RateLimitError is returned when a rate-limit constraint rejects a
// request. RetryAfter is when the oldest admission leaves the window.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.Scope, e.RetryAfter)
}

// RateLimiter is the constraint processor for the rate-limit kind. It
// implements a sliding window: per scope key it keeps the timestamps of
// admitted requests, drops those older than the window on each check,
// and rejects when the count has reached the limit. Fixed-window is
// rejected outright because it admits twice the limit at window edges.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time

	// Defaults apply when a descriptor omits limit or windowMs.
	defaultLimit  int
	defaultWindow time.Duration
}

// NewRateLimiter creates the processor.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows:       make(map[string][]time.Time),
		now:           time.Now,
		defaultWindow: time.Minute,
	}
}

// UpdateConfig adjusts the descriptor defaults at runtime. Recognized
// params: limit, windowMs.
func (r *RateLimiter) UpdateConfig(params map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit := intParam(params, "limit", -1); limit >= 0 {
		r.defaultLimit = limit
	}
	if windowMs := intParam(params, "windowMs", -1); windowMs > 0 {
		r.defaultWindow = time.Duration(windowMs) * time.Millisecond
	}
	return nil
}

func (r *RateLimiter) defaults() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultLimit, r.defaultWindow
}

func (r *RateLimiter) Prefixes() []string { return []string{decision.ConstraintRateLimit} }

// Apply performs the admission check. The payload passes through
// untouched; rejection surfaces as a RateLimitError. Descriptor
// parameters: limit, windowMs, scope ∈ {per-agent, global}, algo.
func (r *RateLimiter) Apply(_ context.Context, spec decision.ConstraintSpec, payload map[string]any, dctx *decision.Context) (map[string]any, error) {
	if algo := stringParam(spec.Params, "algo", "sliding"); algo != "sliding" {
		return nil, fmt.Errorf("unsupported rate-limit algorithm %q", algo)
	}
	fallbackLimit, fallbackWindow := r.defaults()
	limit := intParam(spec.Params, "limit", fallbackLimit)
	if limit <= 0 {
		return nil, fmt.Errorf("rate-limit requires a positive limit")
	}
	window := time.Duration(intParam(spec.Params, "windowMs", int(fallbackWindow.Milliseconds()))) * time.Millisecond

	scope := "global"
	if stringParam(spec.Params, "scope", "per-agent") == "per-agent" {
		scope = "agent:" + dctx.AgentID
	}
	// Distinct descriptors keep independent windows even for one agent.
	key := spec.Fingerprint() + "|" + scope

	if err := r.admit(key, scope, limit, window); err != nil {
		return nil, err
	}
	return payload, nil
}

// admit applies the sliding-window check for one key. Admissions observe
// a total order consistent with arrival because the window is mutated
// under the lock.
func (r *RateLimiter) admit(key, scope string, limit int, window time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-window)

	stamps := r.windows[key]
	live := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}

	if len(live) >= limit {
		r.windows[key] = live
		retry := live[0].Add(window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return &RateLimitError{Scope: scope, RetryAfter: retry}
	}

	r.windows[key] = append(live, now)
	return nil
}

// Prune drops scope keys whose every admission is older than maxAge.
// Called periodically so idle agents do not accumulate state.
func (r *RateLimiter) Prune(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	removed := 0
	for key, stamps := range r.windows {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(r.windows, key)
			removed++
		}
	}
	return removed
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
