package memory

import (
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/pip"
)

// maxAttemptsPerAgent bounds per-agent failure history so a hammering
// agent cannot grow memory without bound.
const maxAttemptsPerAgent = 1024

// AttemptTracker records denied and failed requests per agent for the
// security enricher.
type AttemptTracker struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

var _ pip.AttemptTracker = (*AttemptTracker)(nil)

// NewAttemptTracker creates an empty tracker.
func NewAttemptTracker() *AttemptTracker {
	return &AttemptTracker{
		failures: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// RecordFailure notes a denied or failed request for the agent.
func (t *AttemptTracker) RecordFailure(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stamps := append(t.failures[agentID], t.now())
	if len(stamps) > maxAttemptsPerAgent {
		stamps = stamps[len(stamps)-maxAttemptsPerAgent:]
	}
	t.failures[agentID] = stamps
}

// RecentFailures counts failures within the window, pruning older ones.
func (t *AttemptTracker) RecentFailures(agentID string, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-window)
	stamps := t.failures[agentID]
	live := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	if len(live) == 0 {
		delete(t.failures, agentID)
		return 0
	}
	t.failures[agentID] = live
	return len(live)
}
