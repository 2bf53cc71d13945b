// Package policy contains the domain model for versioned access policies:
// lifecycle status, metadata, applicability, and the ODRL-shaped rule set.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a policy. Transitions are one-way:
// draft -> active -> deprecated.
type Status string

const (
	// StatusDraft is the initial state; draft policies are never selected
	// for decisions.
	StatusDraft Status = "draft"
	// StatusActive policies participate in decisions.
	StatusActive Status = "active"
	// StatusDeprecated policies are retained but no longer selected.
	StatusDeprecated Status = "deprecated"
)

// CanTransition reports whether moving from s to next is a legal
// lifecycle transition.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusDraft:
		return next == StatusActive
	case StatusActive:
		return next == StatusDeprecated
	default:
		return false
	}
}

// MinBodyLength is the minimum length of a policy body (natural-language
// text, or the serialized rule set when no text exists).
const MinBodyLength = 10

// Applicability declares which contexts a policy applies to. Empty slices
// match everything; entries support a trailing-* wildcard.
type Applicability struct {
	Agents    []string `json:"agents,omitempty"`
	Resources []string `json:"resources,omitempty"`
	Actions   []string `json:"actions,omitempty"`
}

// Matches reports whether the (agent, action, resource) triple intersects
// this applicability declaration.
func (a Applicability) Matches(agent, action, resource string) bool {
	return matchesAny(a.Agents, agent) &&
		matchesAny(a.Actions, action) &&
		matchesAny(a.Resources, resource)
}

func matchesAny(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if MatchPattern(p, value) {
			return true
		}
	}
	return false
}

// MatchPattern matches value against pattern: exact match, "*" for
// everything, or a trailing-* prefix wildcard.
func MatchPattern(pattern, value string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(value, prefix)
	}
	return false
}

// Policy is a versioned access policy. The natural-language Text is
// authoritative for the LLM judge; the structured Rules are authoritative
// for the rule engine. A policy may carry either or both.
type Policy struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Text is the natural-language policy body.
	Text string `json:"text,omitempty"`
	// Rules is the optional structured (ODRL-shaped) rule set.
	Rules *RuleSet `json:"rules,omitempty"`

	// Version is a semantic version, monotonically increasing per ID.
	Version string `json:"version"`
	// Priority orders policy evaluation; higher is more specific.
	Priority int      `json:"priority"`
	Tags     []string `json:"tags,omitempty"`

	Status        Status        `json:"status"`
	Applicability Applicability `json:"applicability"`

	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Ref identifies a policy at a specific version, for cache keys and
// audit snapshots.
type Ref struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// Ref returns the policy's identity reference.
func (p *Policy) Ref() Ref {
	return Ref{ID: p.ID, Version: p.Version}
}

// HasText reports whether the policy carries natural-language text.
func (p *Policy) HasText() bool {
	return strings.TrimSpace(p.Text) != ""
}

// HasRules reports whether the policy carries a non-empty structured
// rule set.
func (p *Policy) HasRules() bool {
	return p.Rules != nil && !p.Rules.Empty()
}

// Validate checks the structural invariants that hold in every lifecycle
// state: a body of minimum length and a known status.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return errors.New("policy name is required")
	}
	bodyLen := len(strings.TrimSpace(p.Text))
	if !p.HasText() && p.Rules != nil {
		bodyLen = p.Rules.Len() * MinBodyLength // structured rules satisfy the body requirement
	}
	if bodyLen < MinBodyLength {
		return fmt.Errorf("policy body must be at least %d characters", MinBodyLength)
	}
	switch p.Status {
	case StatusDraft, StatusActive, StatusDeprecated:
	default:
		return fmt.Errorf("unknown policy status %q", p.Status)
	}
	return nil
}

// ErrNotFound is returned by repositories when a policy ID does not exist.
var ErrNotFound = errors.New("policy not found")

// ErrAlreadyExists is returned by Create when the policy ID is taken.
var ErrAlreadyExists = errors.New("policy already exists")

// Repository is the persistence port for policies. Implementations exist
// for the filesystem (one JSON file per policy plus a history file) and
// for SQLite. Writers must append the prior state to history atomically
// with the update.
type Repository interface {
	// Create persists a new policy. Fails if the ID already exists.
	Create(ctx context.Context, p *Policy) error
	// Get returns the current state of a policy.
	Get(ctx context.Context, id string) (*Policy, error)
	// Update persists the new state and appends prior to the history.
	Update(ctx context.Context, p *Policy, prior *Policy) error
	// List returns all policies in no particular order.
	List(ctx context.Context) ([]Policy, error)
	// History returns prior versions of a policy, oldest first.
	History(ctx context.Context, id string) ([]Policy, error)
}
