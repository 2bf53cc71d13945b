package pap

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/aegis-gateway/aegis/internal/domain/policy"
)

// ClarityChecker reviews natural-language policy text for ambiguity
// before activation. Optional; nil skips the check.
type ClarityChecker interface {
	// CheckClarity returns human-readable issues found in the text.
	// An empty slice means the text is clear enough to enforce.
	CheckClarity(ctx context.Context, text string) ([]string, error)
}

// ChangeListener is notified after a policy mutation commits, with the
// affected policy ID. Used to invalidate cached decisions.
type ChangeListener func(policyID string)

// Service is the policy administration point. All mutations go through
// it: it owns versioning, lifecycle transitions, and activation
// validation, and notifies listeners after each committed change.
type Service struct {
	repo      policy.Repository
	clarity   ClarityChecker
	logger    *slog.Logger
	listeners []ChangeListener
}

// NewService creates the PAP service. clarity may be nil.
func NewService(repo policy.Repository, clarity ClarityChecker, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		clarity: clarity,
		logger:  logger.With("component", "pap"),
	}
}

// OnChange registers a listener for committed policy mutations.
// Not safe to call concurrently with mutations; register during wiring.
func (s *Service) OnChange(fn ChangeListener) {
	s.listeners = append(s.listeners, fn)
}

func (s *Service) notify(policyID string) {
	for _, fn := range s.listeners {
		fn(policyID)
	}
}

// CreateInput carries the caller-supplied fields for a new policy.
type CreateInput struct {
	Name          string
	Text          string
	Rules         *policy.RuleSet
	Priority      int
	Tags          []string
	Applicability policy.Applicability
	CreatedBy     string
}

// Create registers a new draft policy at version 1.0.0.
func (s *Service) Create(ctx context.Context, in CreateInput) (*policy.Policy, error) {
	p := &policy.Policy{
		ID:            uuid.NewString(),
		Name:          strings.TrimSpace(in.Name),
		Text:          in.Text,
		Rules:         in.Rules,
		Version:       "1.0.0",
		Priority:      in.Priority,
		Tags:          in.Tags,
		Status:        policy.StatusDraft,
		Applicability: in.Applicability,
		CreatedBy:     in.CreatedBy,
		CreatedAt:     time.Now().UTC(),
		UpdatedBy:     in.CreatedBy,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("policy created", "policy_id", p.ID, "name", p.Name)
	s.notify(p.ID)
	return p, nil
}

// UpdateInput carries the mutable fields of a policy. Nil pointers leave
// the current value unchanged.
type UpdateInput struct {
	Name          *string
	Text          *string
	Rules         *policy.RuleSet
	Priority      *int
	Tags          []string
	Applicability *policy.Applicability
	UpdatedBy     string
}

// Update applies changes to a policy and bumps its version: a minor bump
// when the enforced body (text or rules) changes, a patch bump for
// metadata-only edits. The prior state is appended to history.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*policy.Policy, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prior := *current

	bodyChanged := false
	if in.Name != nil {
		current.Name = strings.TrimSpace(*in.Name)
	}
	if in.Text != nil && *in.Text != current.Text {
		current.Text = *in.Text
		bodyChanged = true
	}
	if in.Rules != nil {
		current.Rules = in.Rules
		bodyChanged = true
	}
	if in.Priority != nil {
		current.Priority = *in.Priority
	}
	if in.Tags != nil {
		current.Tags = in.Tags
	}
	if in.Applicability != nil {
		current.Applicability = *in.Applicability
	}

	next, err := bumpVersion(current.Version, bodyChanged)
	if err != nil {
		return nil, err
	}
	current.Version = next
	current.UpdatedBy = in.UpdatedBy
	current.UpdatedAt = time.Now().UTC()

	if err := current.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, current, &prior); err != nil {
		return nil, err
	}
	s.logger.Info("policy updated",
		"policy_id", id, "version", current.Version, "body_changed", bodyChanged)
	s.notify(id)
	return current, nil
}

// bumpVersion increments the semantic version: minor for body changes,
// patch otherwise.
func bumpVersion(current string, bodyChanged bool) (string, error) {
	v, err := semver.NewVersion(current)
	if err != nil {
		return "", fmt.Errorf("policy version %q: %w", current, err)
	}
	var next semver.Version
	if bodyChanged {
		next = v.IncMinor()
	} else {
		next = v.IncPatch()
	}
	return next.String(), nil
}

// Activate transitions a draft policy to active after validation: the
// structured rules must pass the activation schema, the text must pass
// the clarity check when a checker is configured, and no other active
// policy may carry the same name.
func (s *Service) Activate(ctx context.Context, id, by string) (*policy.Policy, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransition(policy.StatusActive) {
		return nil, fmt.Errorf("policy %s is %s; only drafts can be activated", id, p.Status)
	}

	if p.HasRules() {
		if err := validateRuleSetSchema(p.Rules); err != nil {
			return nil, fmt.Errorf("activate %s: %w", id, err)
		}
		if err := p.Rules.Validate(); err != nil {
			return nil, fmt.Errorf("activate %s: %w", id, err)
		}
	}
	if p.HasText() && s.clarity != nil {
		issues, err := s.clarity.CheckClarity(ctx, p.Text)
		if err != nil {
			s.logger.Warn("clarity check unavailable, activating without it",
				"policy_id", id, "error", err)
		} else if len(issues) > 0 {
			return nil, fmt.Errorf("activate %s: policy text is ambiguous: %s",
				id, strings.Join(issues, "; "))
		}
	}
	if err := s.checkNameCollision(ctx, p); err != nil {
		return nil, err
	}

	prior := *p
	p.Status = policy.StatusActive
	p.UpdatedBy = by
	p.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, p, &prior); err != nil {
		return nil, err
	}
	s.logger.Info("policy activated", "policy_id", id, "version", p.Version)
	s.notify(id)
	return p, nil
}

// checkNameCollision refuses activation when another active policy
// carries the same name; two live policies with one name make audit
// trails ambiguous.
func (s *Service) checkNameCollision(ctx context.Context, p *policy.Policy) error {
	all, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	for i := range all {
		other := &all[i]
		if other.ID != p.ID && other.Status == policy.StatusActive &&
			strings.EqualFold(other.Name, p.Name) {
			return fmt.Errorf("an active policy named %q already exists (%s)", p.Name, other.ID)
		}
	}
	return nil
}

// Deprecate transitions an active policy to deprecated. Deprecated
// policies are retained for audit but never selected.
func (s *Service) Deprecate(ctx context.Context, id, by string) (*policy.Policy, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransition(policy.StatusDeprecated) {
		return nil, fmt.Errorf("policy %s is %s; only active policies can be deprecated", id, p.Status)
	}

	prior := *p
	p.Status = policy.StatusDeprecated
	p.UpdatedBy = by
	p.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, p, &prior); err != nil {
		return nil, err
	}
	s.logger.Info("policy deprecated", "policy_id", id)
	s.notify(id)
	return p, nil
}

// Get returns a policy by ID.
func (s *Service) Get(ctx context.Context, id string) (*policy.Policy, error) {
	return s.repo.Get(ctx, id)
}

// List returns all policies sorted by priority descending, then name.
func (s *Service) List(ctx context.Context) ([]policy.Policy, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Priority != all[j].Priority {
			return all[i].Priority > all[j].Priority
		}
		return all[i].Name < all[j].Name
	})
	return all, nil
}

// History returns a policy's prior versions, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]policy.Policy, error) {
	return s.repo.History(ctx, id)
}

// SelectApplicable returns the active policies whose applicability
// matches the request, ordered by priority descending, then version
// descending, with name as the final tiebreaker so evaluation order is
// deterministic.
func (s *Service) SelectApplicable(ctx context.Context, agent, action, resource string) ([]*policy.Policy, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]*policy.Policy, 0, len(all))
	for i := range all {
		p := &all[i]
		if p.Status != policy.StatusActive {
			continue
		}
		if !p.Applicability.Matches(agent, action, resource) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		if c := compareVersions(matched[i].Version, matched[j].Version); c != 0 {
			return c > 0
		}
		return matched[i].Name < matched[j].Name
	})
	return matched, nil
}

// compareVersions orders semantic versions; a version that does not
// parse sorts below any that does.
func compareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA == nil && errB == nil:
		return va.Compare(vb)
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	default:
		return strings.Compare(a, b)
	}
}
