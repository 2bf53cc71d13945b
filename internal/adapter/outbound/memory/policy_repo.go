// Package memory provides in-memory adapter implementations used in
// development mode and in tests: a policy repository, an agent
// directory, a resource catalog, and a failed-attempt tracker.
package memory

import (
	"context"
	"sync"

	"github.com/aegis-gateway/aegis/internal/domain/policy"
)

// PolicyRepo is a mutex-guarded in-memory policy repository.
type PolicyRepo struct {
	mu       sync.RWMutex
	policies map[string]policy.Policy
	history  map[string][]policy.Policy
}

var _ policy.Repository = (*PolicyRepo)(nil)

// NewPolicyRepo creates an empty repository.
func NewPolicyRepo() *PolicyRepo {
	return &PolicyRepo{
		policies: make(map[string]policy.Policy),
		history:  make(map[string][]policy.Policy),
	}
}

// Create stores a new policy.
func (r *PolicyRepo) Create(_ context.Context, p *policy.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.policies[p.ID]; exists {
		return policy.ErrAlreadyExists
	}
	r.policies[p.ID] = *p
	return nil
}

// Get returns a copy of the current policy state.
func (r *PolicyRepo) Get(_ context.Context, id string) (*policy.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[id]
	if !ok {
		return nil, policy.ErrNotFound
	}
	return &p, nil
}

// Update replaces the current state and appends prior to history.
func (r *PolicyRepo) Update(_ context.Context, p *policy.Policy, prior *policy.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[p.ID]; !ok {
		return policy.ErrNotFound
	}
	r.history[p.ID] = append(r.history[p.ID], *prior)
	r.policies[p.ID] = *p
	return nil
}

// List returns copies of all policies.
func (r *PolicyRepo) List(_ context.Context) ([]policy.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]policy.Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	return out, nil
}

// History returns prior versions, oldest first.
func (r *PolicyRepo) History(_ context.Context, id string) ([]policy.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.policies[id]; !ok {
		return nil, policy.ErrNotFound
	}
	return append([]policy.Policy(nil), r.history[id]...), nil
}
