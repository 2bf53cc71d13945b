package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
	"github.com/aegis-gateway/aegis/internal/domain/policy"
	"github.com/aegis-gateway/aegis/internal/port/outbound"
)

// indeterminateTTL is the brief negative-caching lifetime applied to
// INDETERMINATE outcomes so a flapping judge is not hammered.
const indeterminateTTL = 30 * time.Second

// Options tunes the decision cache.
type Options struct {
	// L1Size bounds the in-process tier.
	L1Size int
	// PermitTTL and DenyTTL are outcome-dependent entry lifetimes.
	PermitTTL time.Duration
	DenyTTL   time.Duration
	// L2 is the optional shared tier; nil disables it.
	L2 outbound.CacheL2
	// Logger receives cache diagnostics. Required.
	Logger *slog.Logger
}

// DecisionCache is the two-tier decision cache. Lookups go L1 then L2;
// L2 hits are promoted into L1. Concurrent misses on the same key are
// collapsed so the decision pipeline runs once.
type DecisionCache struct {
	l1        *L1
	l2        outbound.CacheL2
	permitTTL time.Duration
	denyTTL   time.Duration
	group     singleflight.Group
	logger    *slog.Logger
}

// New creates a decision cache.
func New(opts Options) *DecisionCache {
	permitTTL := opts.PermitTTL
	if permitTTL <= 0 {
		permitTTL = 5 * time.Minute
	}
	denyTTL := opts.DenyTTL
	if denyTTL <= 0 {
		denyTTL = time.Minute
	}
	return &DecisionCache{
		l1:        NewL1(opts.L1Size),
		l2:        opts.L2,
		permitTTL: permitTTL,
		denyTTL:   denyTTL,
		logger:    opts.Logger.With("component", "decision_cache"),
	}
}

// GetOrCompute returns the cached decision for the context/policy pair,
// or runs compute and stores its result. Concurrent callers with the
// same key share one compute invocation.
func (c *DecisionCache) GetOrCompute(
	ctx context.Context,
	dctx *decision.Context,
	policies []*policy.Policy,
	compute func(context.Context) (decision.Decision, error),
) (decision.Decision, error) {
	key, err := Key(dctx, policies)
	if err != nil {
		// An unkeyable context is not a reason to skip the decision.
		c.logger.Warn("cache key computation failed", "error", err)
		return compute(ctx)
	}

	if d, ok := c.lookup(ctx, key); ok {
		d.Metadata.Engine = decision.EngineCache
		return d, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if d, ok := c.lookup(ctx, key); ok {
			d.Metadata.Engine = decision.EngineCache
			return d, nil
		}
		d, err := compute(ctx)
		if err != nil {
			return decision.Decision{}, err
		}
		c.store(ctx, key, d, policies)
		return d, nil
	})
	if err != nil {
		return decision.Decision{}, err
	}
	return v.(decision.Decision), nil
}

// lookup checks L1 then L2, promoting L2 hits.
func (c *DecisionCache) lookup(ctx context.Context, key string) (decision.Decision, bool) {
	if d, ok := c.l1.Get(key); ok {
		return d, true
	}
	if c.l2 == nil {
		return decision.Decision{}, false
	}
	data, ok := c.l2.Get(ctx, key)
	if !ok {
		return decision.Decision{}, false
	}
	var d decision.Decision
	if err := json.Unmarshal(data, &d); err != nil {
		c.logger.Warn("discarding undecodable l2 entry", "key", key, "error", err)
		c.l2.Delete(ctx, key)
		return decision.Decision{}, false
	}
	c.l1.Put(key, d, c.ttlFor(d), policyIDsOf(d))
	return d, true
}

// store writes a decision into both tiers when it is cacheable.
func (c *DecisionCache) store(ctx context.Context, key string, d decision.Decision, policies []*policy.Policy) {
	ttl, ok := c.cacheableTTL(d)
	if !ok {
		return
	}
	ids := make([]string, 0, len(policies))
	for _, p := range policies {
		ids = append(ids, p.ID)
	}
	c.l1.Put(key, d, ttl, ids)

	if c.l2 != nil && d.Outcome != decision.Indeterminate {
		data, err := json.Marshal(d)
		if err != nil {
			c.logger.Warn("marshal decision for l2 failed", "error", err)
			return
		}
		c.l2.Set(ctx, key, data, ttl)
	}
}

// cacheableTTL decides whether a decision may be cached, and for how
// long. Only structured and llm decisions on enforceable outcomes are
// stored; INDETERMINATE gets brief negative caching in L1 only.
func (c *DecisionCache) cacheableTTL(d decision.Decision) (time.Duration, bool) {
	switch d.Metadata.Engine {
	case decision.EngineStructured, decision.EngineLLM:
	default:
		return 0, false
	}
	switch d.Outcome {
	case decision.Permit:
		return c.permitTTL, true
	case decision.Deny:
		return c.denyTTL, true
	case decision.Indeterminate:
		return indeterminateTTL, true
	default:
		return 0, false
	}
}

func (c *DecisionCache) ttlFor(d decision.Decision) time.Duration {
	ttl, ok := c.cacheableTTL(d)
	if !ok {
		return indeterminateTTL
	}
	return ttl
}

// Invalidate drops all L1 entries produced by a policy. L2 entries are
// left to expire: the policy version is part of every key, so a changed
// policy never hits a stale entry.
func (c *DecisionCache) Invalidate(policyID string) {
	n := c.l1.Invalidate(policyID)
	if n > 0 {
		c.logger.Debug("invalidated cached decisions", "policy_id", policyID, "entries", n)
	}
}

// Purge drops the entire L1 tier.
func (c *DecisionCache) Purge() {
	c.l1.Purge()
}

// Stats reports L1 counters.
func (c *DecisionCache) Stats() (hits, misses, evictions uint64) {
	return c.l1.Stats()
}

func policyIDsOf(d decision.Decision) []string {
	if d.Metadata.PolicyID == "" {
		return nil
	}
	return []string{d.Metadata.PolicyID}
}
