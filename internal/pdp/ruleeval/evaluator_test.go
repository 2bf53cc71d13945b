package ruleeval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
	"github.com/aegis-gateway/aegis/internal/domain/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func contextAt(hour int) *decision.Context {
	return &decision.Context{
		AgentID:   "agent-1",
		Action:    "tools/call",
		Resource:  "fs__read_file",
		Timestamp: time.Date(2026, 3, 16, hour, 0, 0, 0, time.UTC),
	}
}

func timeWindowPolicy() *policy.Policy {
	return &policy.Policy{
		ID:      "pol-hours",
		Version: "1.0.0",
		Status:  policy.StatusActive,
		Rules: &policy.RuleSet{
			Permissions: []policy.Rule{{
				Action: "*",
				Constraints: []*policy.Constraint{
					{LeftOperand: decision.OperandTimeOfDay, Operator: policy.OpGteq, RightOperand: "09:00"},
					{LeftOperand: decision.OperandTimeOfDay, Operator: policy.OpLt, RightOperand: "18:00"},
				},
			}},
		},
	}
}

func TestTimeWindowPermitsInsideWindow(t *testing.T) {
	e := New(nil, testLogger())
	res := e.Evaluate(context.Background(), timeWindowPolicy(), contextAt(10))

	if res.Outcome != decision.Permit {
		t.Fatalf("outcome = %s, want PERMIT", res.Outcome)
	}
	if !res.Matched {
		t.Error("Matched = false, want true")
	}
}

func TestTimeWindowDeniesOutsideWindowCitingConstraint(t *testing.T) {
	e := New(nil, testLogger())
	res := e.Evaluate(context.Background(), timeWindowPolicy(), contextAt(20))

	if res.Decided() {
		t.Fatalf("outcome = %s, want undecided near-miss", res.Outcome)
	}
	if !res.Matched {
		t.Fatal("Matched = false, want true")
	}
	if len(res.FailedConstraints) == 0 {
		t.Fatal("no failed constraints recorded")
	}
	if got := res.FailedConstraints[0]; !strings.Contains(got, "timeOfDay") {
		t.Errorf("failure %q does not cite timeOfDay", got)
	}
}

func TestProhibitionBeatsPermission(t *testing.T) {
	pol := timeWindowPolicy()
	pol.Rules.Prohibitions = []policy.Rule{{Action: "tool:fs__read_file"}}

	e := New(nil, testLogger())
	res := e.Evaluate(context.Background(), pol, contextAt(10))
	if res.Outcome != decision.Deny {
		t.Fatalf("outcome = %s, want DENY", res.Outcome)
	}
}

func TestDutiesBecomeObligations(t *testing.T) {
	pol := &policy.Policy{
		ID: "pol-duty",
		Rules: &policy.RuleSet{
			Permissions: []policy.Rule{{
				Action: "tools/call",
				Duties: []policy.Duty{{
					Action: decision.ObligationAuditLog,
					Params: map[string]any{"level": "detailed"},
				}},
			}},
		},
	}

	e := New(nil, testLogger())
	res := e.Evaluate(context.Background(), pol, contextAt(10))
	if res.Outcome != decision.Permit {
		t.Fatalf("outcome = %s, want PERMIT", res.Outcome)
	}
	if len(res.Obligations) != 1 || res.Obligations[0].Kind != decision.ObligationAuditLog {
		t.Errorf("obligations = %+v, want audit-log duty carried", res.Obligations)
	}
}

func TestNoMatchingRuleIsNotApplicable(t *testing.T) {
	pol := &policy.Policy{
		ID: "pol-other",
		Rules: &policy.RuleSet{
			Permissions: []policy.Rule{{Action: "resources/read"}},
		},
	}

	e := New(nil, testLogger())
	res := e.Evaluate(context.Background(), pol, contextAt(10))
	if res.Outcome != decision.NotApplicable || res.Matched {
		t.Errorf("got outcome=%s matched=%v, want NOT_APPLICABLE unmatched", res.Outcome, res.Matched)
	}
}

func TestUndefinedOperandFailsExceptNeq(t *testing.T) {
	e := New(nil, testLogger())
	dctx := contextAt(10)

	eq := &policy.Constraint{LeftOperand: "trustScore", Operator: policy.OpGteq, RightOperand: 0.5}
	if e.evalConstraint(eq, dctx) {
		t.Error("gteq against undefined operand evaluated true")
	}
	neq := &policy.Constraint{LeftOperand: "trustScore", Operator: policy.OpNeq, RightOperand: 0.5}
	if !e.evalConstraint(neq, dctx) {
		t.Error("neq against undefined operand evaluated false")
	}
}

func TestXoneRequiresExactlyOne(t *testing.T) {
	e := New(nil, testLogger())
	dctx := contextAt(10)
	dctx.SetAttribute("agent", "agentType", "research")
	dctx.SetAttribute("agent", "trustScore", 0.9)

	both := &policy.Constraint{Xone: []*policy.Constraint{
		{LeftOperand: "agentType", Operator: policy.OpEq, RightOperand: "research"},
		{LeftOperand: "trustScore", Operator: policy.OpGt, RightOperand: 0.5},
	}}
	if e.evalConstraint(both, dctx) {
		t.Error("xone with two satisfied branches evaluated true")
	}

	one := &policy.Constraint{Xone: []*policy.Constraint{
		{LeftOperand: "agentType", Operator: policy.OpEq, RightOperand: "research"},
		{LeftOperand: "trustScore", Operator: policy.OpGt, RightOperand: 0.95},
	}}
	if !e.evalConstraint(one, dctx) {
		t.Error("xone with one satisfied branch evaluated false")
	}
}

func TestSetOperators(t *testing.T) {
	e := New(nil, testLogger())
	dctx := contextAt(10)
	dctx.SetAttribute("agent", "agentType", "research")
	dctx.Environment = map[string]any{"tags": []any{"pii", "export"}}

	tests := []struct {
		name string
		c    *policy.Constraint
		want bool
	}{
		{"in matches", &policy.Constraint{LeftOperand: "agentType", Operator: policy.OpIn, RightOperand: []any{"research", "analyst"}}, true},
		{"isNoneOf rejects member", &policy.Constraint{LeftOperand: "agentType", Operator: policy.OpIsNoneOf, RightOperand: []any{"research"}}, false},
		{"isAllOf over list operand", &policy.Constraint{LeftOperand: "tags", Operator: policy.OpIsAllOf, RightOperand: []any{"pii"}}, true},
		{"hasPart finds element", &policy.Constraint{LeftOperand: "tags", Operator: policy.OpHasPart, RightOperand: "export"}, true},
		{"isPartOf substring", &policy.Constraint{LeftOperand: "mcpTool", Operator: policy.OpIsPartOf, RightOperand: "prefix fs__read_file suffix"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.evalConstraint(tt.c, dctx); got != tt.want {
				t.Errorf("evalConstraint() = %v, want %v", got, tt.want)
			}
		})
	}
}

type stubConditions struct {
	result bool
	err    error
	expr   string
}

func (s *stubConditions) EvalCondition(_ context.Context, expr string, _ *decision.Context) (bool, error) {
	s.expr = expr
	return s.result, s.err
}

func TestConditionGuardsRule(t *testing.T) {
	pol := &policy.Policy{
		ID: "pol-cond",
		Rules: &policy.RuleSet{
			Permissions: []policy.Rule{{Action: "*", Condition: `attrs.agent.trustScore > 0.5`}},
		},
	}

	conds := &stubConditions{result: true}
	e := New(conds, testLogger())
	if res := e.Evaluate(context.Background(), pol, contextAt(10)); res.Outcome != decision.Permit {
		t.Fatalf("outcome = %s, want PERMIT when condition true", res.Outcome)
	}

	conds.result = false
	if res := e.Evaluate(context.Background(), pol, contextAt(10)); res.Decided() {
		t.Fatalf("outcome decided despite false condition")
	}

	conds.err = errors.New("compile failure")
	res := e.Evaluate(context.Background(), pol, contextAt(10))
	if res.Decided() {
		t.Fatal("outcome decided despite condition evaluation error")
	}
	if len(res.FailedConstraints) == 0 {
		t.Error("condition failure not recorded")
	}
}

func TestMissingEvaluatorFailsClosed(t *testing.T) {
	pol := &policy.Policy{
		ID: "pol-cond",
		Rules: &policy.RuleSet{
			Permissions: []policy.Rule{{Action: "*", Condition: `true`}},
		},
	}
	e := New(nil, testLogger())
	if res := e.Evaluate(context.Background(), pol, contextAt(10)); res.Decided() {
		t.Error("guarded rule decided without a condition evaluator")
	}
}
