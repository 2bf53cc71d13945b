package cache

import (
	"math"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

// decayHalfLife controls frequency aging: an entry untouched for one
// half-life counts half as frequent. Keeps yesterday's hot keys from
// pinning the cache.
const decayHalfLife = 10 * time.Minute

// evictionSample bounds the scan when choosing a victim. Sampling a
// fixed number of entries approximates LFU without a full scan.
const evictionSample = 64

type l1Entry struct {
	value     decision.Decision
	expiresAt time.Time
	policyIDs []string
	freq      float64
	lastTouch time.Time
}

// agedFreq returns the entry's frequency decayed to now.
func (e *l1Entry) agedFreq(now time.Time) float64 {
	elapsed := now.Sub(e.lastTouch)
	if elapsed <= 0 {
		return e.freq
	}
	return e.freq * math.Exp2(-float64(elapsed)/float64(decayHalfLife))
}

// L1 is the in-process decision cache tier: bounded, LFU with aging,
// with a policy-ID index for targeted invalidation. All operations are
// serialized under one mutex; eviction happens inline on insert.
type L1 struct {
	mu       sync.Mutex
	entries  map[string]*l1Entry
	byPolicy map[string]map[string]struct{}
	capacity int

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewL1 creates an L1 tier with the given capacity.
func NewL1(capacity int) *L1 {
	if capacity <= 0 {
		capacity = 10000
	}
	return &L1{
		entries:  make(map[string]*l1Entry, capacity),
		byPolicy: make(map[string]map[string]struct{}),
		capacity: capacity,
	}
}

// Get returns the cached decision for key, accounting the access.
// Expired entries are removed on sight.
func (c *L1) Get(key string) (decision.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return decision.Decision{}, false
	}
	now := time.Now()
	if now.After(e.expiresAt) {
		c.removeLocked(key, e)
		c.misses++
		return decision.Decision{}, false
	}

	e.freq = e.agedFreq(now) + 1
	e.lastTouch = now
	c.hits++
	return e.value, true
}

// Put stores a decision under key for ttl, indexed by the policies that
// produced it. At capacity, the least frequent of a sampled set of
// entries is evicted first.
func (c *L1) Put(key string, d decision.Decision, ttl time.Duration, policyIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if old, ok := c.entries[key]; ok {
		c.removeLocked(key, old)
	}
	for len(c.entries) >= c.capacity {
		c.evictLocked(now)
	}

	e := &l1Entry{
		value:     d,
		expiresAt: now.Add(ttl),
		policyIDs: append([]string(nil), policyIDs...),
		freq:      1,
		lastTouch: now,
	}
	c.entries[key] = e
	for _, id := range policyIDs {
		set, ok := c.byPolicy[id]
		if !ok {
			set = make(map[string]struct{})
			c.byPolicy[id] = set
		}
		set[key] = struct{}{}
	}
}

// evictLocked removes the least-frequent entry among a bounded sample,
// preferring anything already expired.
func (c *L1) evictLocked(now time.Time) {
	var victimKey string
	var victim *l1Entry
	best := math.MaxFloat64

	seen := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			victimKey, victim = k, e
			break
		}
		if f := e.agedFreq(now); f < best {
			best = f
			victimKey, victim = k, e
		}
		seen++
		if seen >= evictionSample {
			break
		}
	}
	if victim == nil {
		return
	}
	c.removeLocked(victimKey, victim)
	c.evictions++
}

// Invalidate removes all entries produced by the given policy.
func (c *L1) Invalidate(policyID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.byPolicy[policyID]
	if !ok {
		return 0
	}
	n := 0
	for key := range keys {
		if e, ok := c.entries[key]; ok {
			c.removeLocked(key, e)
			n++
		}
	}
	return n
}

// Purge drops every entry.
func (c *L1) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*l1Entry, c.capacity)
	c.byPolicy = make(map[string]map[string]struct{})
}

// Len returns the current entry count.
func (c *L1) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats reports hit/miss/eviction counters.
func (c *L1) Stats() (hits, misses, evictions uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.evictions
}

func (c *L1) removeLocked(key string, e *l1Entry) {
	delete(c.entries, key)
	for _, id := range e.policyIDs {
		if set, ok := c.byPolicy[id]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.byPolicy, id)
			}
		}
	}
}
