package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/pip"
)

// AgentDirectory is an in-memory agent registry. Profiles are seeded
// from configuration or registered at runtime; trust scores decay with
// recorded violations and recover with age and successful requests.
type AgentDirectory struct {
	mu     sync.RWMutex
	agents map[string]*agentRecord
	now    func() time.Time
}

type agentRecord struct {
	profile    pip.AgentProfile
	registered time.Time
	successes  int
	violations int
}

var _ pip.AgentDirectory = (*AgentDirectory)(nil)

// NewAgentDirectory creates an empty directory.
func NewAgentDirectory() *AgentDirectory {
	return &AgentDirectory{
		agents: make(map[string]*agentRecord),
		now:    time.Now,
	}
}

// Register adds or replaces an agent profile.
func (d *AgentDirectory) Register(agentID string, profile pip.AgentProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[agentID] = &agentRecord{
		profile:    profile,
		registered: d.now(),
	}
}

// Lookup returns the agent's profile with a live trust score.
func (d *AgentDirectory) Lookup(_ context.Context, agentID string) (pip.AgentProfile, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.agents[agentID]
	if !ok {
		return pip.AgentProfile{}, false, nil
	}
	p := rec.profile
	p.TrustScore = d.trustScoreLocked(rec)
	return p, true, nil
}

// RecordSuccess notes a completed permitted request.
func (d *AgentDirectory) RecordSuccess(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.agents[agentID]; ok {
		rec.successes++
	}
}

// RecordViolation notes a denied request or constraint failure.
func (d *AgentDirectory) RecordViolation(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.agents[agentID]; ok {
		rec.violations++
	}
}

// trustScoreLocked blends the seeded score with observed behavior:
// account age and success volume push the score up, violations pull it
// down. The result stays within [0, 1].
func (d *AgentDirectory) trustScoreLocked(rec *agentRecord) float64 {
	score := rec.profile.TrustScore

	ageDays := d.now().Sub(rec.registered).Hours() / 24
	if ageDays > 30 {
		ageDays = 30
	}
	score += ageDays * 0.003 // up to +0.09 over a month

	successes := float64(rec.successes)
	if successes > 100 {
		successes = 100
	}
	score += successes * 0.0005 // up to +0.05

	score -= float64(rec.violations) * 0.05

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
