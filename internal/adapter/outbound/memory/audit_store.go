package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/domain/audit"
	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

// defaultAuditCapacity bounds the in-memory audit store.
const defaultAuditCapacity = 10_000

// AuditStore is a bounded in-memory audit store for development mode.
// When full, the oldest entries are discarded.
type AuditStore struct {
	mu       sync.RWMutex
	entries  []audit.Entry
	capacity int
}

var _ audit.Store = (*AuditStore)(nil)

// NewAuditStore creates a store holding at most capacity entries;
// capacity <= 0 selects the default.
func NewAuditStore(capacity int) *AuditStore {
	if capacity <= 0 {
		capacity = defaultAuditCapacity
	}
	return &AuditStore{capacity: capacity}
}

// Append stores entries, evicting the oldest past capacity.
func (s *AuditStore) Append(_ context.Context, entries ...audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	if over := len(s.entries) - s.capacity; over > 0 {
		s.entries = append([]audit.Entry(nil), s.entries[over:]...)
	}
	return nil
}

// Recent returns the last n entries, newest first.
func (s *AuditStore) Recent(n int) []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || len(s.entries) == 0 {
		return nil
	}
	if n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]audit.Entry, n)
	for i := 0; i < n; i++ {
		out[i] = s.entries[len(s.entries)-1-i]
	}
	return out
}

// Search returns matching entries, newest first.
func (s *AuditStore) Search(_ context.Context, q audit.Query) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if !s.entries[i].Matches(q) {
			continue
		}
		out = append(out, s.entries[i])
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Stats aggregates activity over [from, to].
func (s *AuditStore) Stats(_ context.Context, from, to time.Time) (audit.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := audit.Stats{
		ByOutcome: make(map[decision.Outcome]int),
		ByPolicy:  make(map[string]int),
		ByAgent:   make(map[string]int),
		RiskBands: make(map[string]int),
		From:      from,
		To:        to,
	}
	var totalMs int64
	for _, e := range s.entries {
		if !from.IsZero() && e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && e.Timestamp.After(to) {
			continue
		}
		stats.Total++
		stats.ByOutcome[e.Decision.Outcome]++
		if e.Policy.ID != "" {
			stats.ByPolicy[e.Policy.ID]++
		}
		if e.Context.AgentID != "" {
			stats.ByAgent[e.Context.AgentID]++
		}
		stats.Hourly[e.Timestamp.UTC().Hour()]++
		if e.Outcome == audit.OutcomeError {
			stats.ErrorCount++
		}
		totalMs += e.DurationMs
	}
	if stats.Total > 0 {
		stats.AvgMs = float64(totalMs) / float64(stats.Total)
	}
	return stats, nil
}

// Flush is a no-op for the in-memory store.
func (s *AuditStore) Flush(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *AuditStore) Close() error { return nil }
