package pap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aegis-gateway/aegis/internal/adapter/outbound/memory"
	"github.com/aegis-gateway/aegis/internal/domain/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(clarity ClarityChecker) *Service {
	return NewService(memory.NewPolicyRepo(), clarity, testLogger())
}

func TestCreateStartsAsDraft(t *testing.T) {
	s := newTestService(nil)

	p, err := s.Create(context.Background(), CreateInput{
		Name:      "deny-prod-writes",
		Text:      "Agents must not write to production resources.",
		CreatedBy: "admin",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if p.Status != policy.StatusDraft {
		t.Errorf("Status = %s, want draft", p.Status)
	}
	if p.Version != "1.0.0" {
		t.Errorf("Version = %s, want 1.0.0", p.Version)
	}
	if p.ID == "" {
		t.Error("ID is empty")
	}
}

func TestCreateRejectsShortBody(t *testing.T) {
	s := newTestService(nil)
	if _, err := s.Create(context.Background(), CreateInput{Name: "p", Text: "short"}); err == nil {
		t.Error("Create() error = nil, want body-length error")
	}
}

func TestUpdateBumpsVersion(t *testing.T) {
	s := newTestService(nil)
	ctx := context.Background()
	p, err := s.Create(ctx, CreateInput{Name: "p1", Text: "Agents may read public data."})
	if err != nil {
		t.Fatal(err)
	}

	// Metadata-only edit: patch bump.
	prio := 5
	p2, err := s.Update(ctx, p.ID, UpdateInput{Priority: &prio})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if p2.Version != "1.0.1" {
		t.Errorf("Version after metadata edit = %s, want 1.0.1", p2.Version)
	}

	// Body edit: minor bump.
	text := "Agents may read public data during business hours."
	p3, err := s.Update(ctx, p.ID, UpdateInput{Text: &text})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if p3.Version != "1.1.0" {
		t.Errorf("Version after body edit = %s, want 1.1.0", p3.Version)
	}

	hist, err := s.History(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Errorf("history length = %d, want 2", len(hist))
	}
	if len(hist) == 2 && hist[0].Version != "1.0.0" {
		t.Errorf("oldest history version = %s, want 1.0.0", hist[0].Version)
	}
}

func TestActivateValidatesRules(t *testing.T) {
	s := newTestService(nil)
	ctx := context.Background()

	p, err := s.Create(ctx, CreateInput{
		Name: "structured",
		Rules: &policy.RuleSet{
			Permissions: []policy.Rule{{Action: "tools/call"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	activated, err := s.Activate(ctx, p.ID, "admin")
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if activated.Status != policy.StatusActive {
		t.Errorf("Status = %s, want active", activated.Status)
	}

	// Second activation must fail: active is not a draft.
	if _, err := s.Activate(ctx, p.ID, "admin"); err == nil {
		t.Error("re-Activate() error = nil, want lifecycle error")
	}
}

func TestActivateRejectsBadRuleSchema(t *testing.T) {
	s := newTestService(nil)
	ctx := context.Background()

	p, err := s.Create(ctx, CreateInput{
		Name: "bad-rules",
		Rules: &policy.RuleSet{
			// xone with a single branch can never mean "exactly one".
			Permissions: []policy.Rule{{
				Action: "tools/call",
				Constraints: []*policy.Constraint{{
					Xone: []*policy.Constraint{{
						LeftOperand: "agentId", Operator: policy.OpEq, RightOperand: "a",
					}},
				}},
			}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Activate(ctx, p.ID, "admin"); err == nil {
		t.Error("Activate() error = nil, want schema error")
	}
}

func TestActivateRefusesNameCollision(t *testing.T) {
	s := newTestService(nil)
	ctx := context.Background()

	first, _ := s.Create(ctx, CreateInput{Name: "Shared Name", Text: "Agents may read anything."})
	if _, err := s.Activate(ctx, first.ID, "admin"); err != nil {
		t.Fatal(err)
	}

	second, _ := s.Create(ctx, CreateInput{Name: "shared name", Text: "Agents may write anything."})
	if _, err := s.Activate(ctx, second.ID, "admin"); err == nil {
		t.Error("Activate() error = nil, want name-collision error")
	}
}

type stubClarity struct {
	issues []string
	err    error
}

func (s *stubClarity) CheckClarity(context.Context, string) ([]string, error) {
	return s.issues, s.err
}

func TestActivateClarityCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("ambiguous text blocks activation", func(t *testing.T) {
		s := newTestService(&stubClarity{issues: []string{"'sometimes' is not enforceable"}})
		p, _ := s.Create(ctx, CreateInput{Name: "vague", Text: "Agents may sometimes do things."})
		if _, err := s.Activate(ctx, p.ID, "admin"); err == nil {
			t.Error("Activate() error = nil, want clarity error")
		}
	})

	t.Run("checker failure does not block", func(t *testing.T) {
		s := newTestService(&stubClarity{err: errors.New("provider down")})
		p, _ := s.Create(ctx, CreateInput{Name: "clear", Text: "Agents may read public data."})
		if _, err := s.Activate(ctx, p.ID, "admin"); err != nil {
			t.Errorf("Activate() error = %v, want nil when checker unavailable", err)
		}
	})
}

func TestDeprecateLifecycle(t *testing.T) {
	s := newTestService(nil)
	ctx := context.Background()

	p, _ := s.Create(ctx, CreateInput{Name: "lived", Text: "Agents may read public data."})

	// Draft cannot be deprecated directly.
	if _, err := s.Deprecate(ctx, p.ID, "admin"); err == nil {
		t.Error("Deprecate(draft) error = nil, want lifecycle error")
	}

	if _, err := s.Activate(ctx, p.ID, "admin"); err != nil {
		t.Fatal(err)
	}
	dep, err := s.Deprecate(ctx, p.ID, "admin")
	if err != nil {
		t.Fatalf("Deprecate() error = %v", err)
	}
	if dep.Status != policy.StatusDeprecated {
		t.Errorf("Status = %s, want deprecated", dep.Status)
	}
}

func TestSelectApplicableOrdering(t *testing.T) {
	s := newTestService(nil)
	ctx := context.Background()

	mk := func(name string, prio int, app policy.Applicability) {
		p, err := s.Create(ctx, CreateInput{
			Name: name, Text: "Agents may read public data.",
			Priority: prio, Applicability: app,
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Activate(ctx, p.ID, "admin"); err != nil {
			t.Fatal(err)
		}
	}

	mk("low", 1, policy.Applicability{})
	mk("high", 10, policy.Applicability{})
	mk("other-agent", 20, policy.Applicability{Agents: []string{"someone-else"}})

	// A draft never appears regardless of match.
	if _, err := s.Create(ctx, CreateInput{Name: "draft", Text: "Agents may do anything at all."}); err != nil {
		t.Fatal(err)
	}

	sel, err := s.SelectApplicable(ctx, "agent-1", "tools/call", "fs__read_file")
	if err != nil {
		t.Fatalf("SelectApplicable() error = %v", err)
	}
	if len(sel) != 2 {
		t.Fatalf("len(selected) = %d, want 2", len(sel))
	}
	if sel[0].Name != "high" || sel[1].Name != "low" {
		t.Errorf("order = [%s %s], want [high low]", sel[0].Name, sel[1].Name)
	}
}

func TestSelectApplicableVersionTiebreak(t *testing.T) {
	repo := memory.NewPolicyRepo()
	s := NewService(repo, nil, testLogger())
	ctx := context.Background()

	// Same priority; 1.10.0 must sort above 1.2.0, which a plain string
	// compare would invert.
	mk := func(id, name, version string) {
		err := repo.Create(ctx, &policy.Policy{
			ID: id, Name: name, Version: version,
			Status: policy.StatusActive, Priority: 5,
			Text: "Agents may read public data.",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	mk("pol-old", "zeta", "1.2.0")
	mk("pol-new", "alpha", "1.10.0")

	sel, err := s.SelectApplicable(ctx, "agent-1", "tools/call", "fs__read_file")
	if err != nil {
		t.Fatalf("SelectApplicable() error = %v", err)
	}
	if len(sel) != 2 {
		t.Fatalf("len(selected) = %d, want 2", len(sel))
	}
	if sel[0].Version != "1.10.0" || sel[1].Version != "1.2.0" {
		t.Errorf("order = [%s %s], want [1.10.0 1.2.0]", sel[0].Version, sel[1].Version)
	}
}

func TestOnChangeFires(t *testing.T) {
	s := newTestService(nil)
	var changed []string
	s.OnChange(func(id string) { changed = append(changed, id) })

	p, err := s.Create(context.Background(), CreateInput{Name: "p", Text: "Agents may read public data."})
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 1 || changed[0] != p.ID {
		t.Errorf("listener calls = %v, want [%s]", changed, p.ID)
	}
}
