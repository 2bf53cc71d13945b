package cel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

func testContext() *decision.Context {
	dctx := &decision.Context{
		AgentID:         "agent-1",
		Action:          "tools/call",
		Resource:        "fs__read_file",
		Timestamp:       time.Date(2026, 3, 16, 10, 30, 0, 0, time.UTC),
		DelegationChain: []string{"orchestrator"},
	}
	dctx.SetAttribute("agent", "trustScore", 0.8)
	dctx.SetAttribute("agent", "agentType", "research")
	dctx.Environment = map[string]any{"region": "EU"}
	return dctx
}

func TestEvalCondition(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"context field", `agentId == "agent-1" && action == "tools/call"`, true},
		{"attribute bag", `attrs["agent"]["trustScore"] >= dyn(0.5)`, true},
		{"attribute bag false", `attrs["agent"]["agentType"] == dyn("admin")`, false},
		{"environment map", `env["region"] == dyn("EU")`, true},
		{"delegation depth", `delegationDepth <= 2`, true},
		{"clock string", `timeOfDay >= "09:00" && timeOfDay < "18:00"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvalCondition(context.Background(), tt.expr, testContext())
			if err != nil {
				t.Fatalf("EvalCondition(%q): %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("EvalCondition(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvalConditionNonBoolean(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	if _, err := e.EvalCondition(context.Background(), `agentId`, testContext()); err == nil {
		t.Error("expected error for non-boolean expression")
	}
}

func TestValidateExpression(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	if err := e.ValidateExpression(`emergency || delegationDepth == 0`); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := e.ValidateExpression(""); err == nil {
		t.Error("empty expression accepted")
	}
	if err := e.ValidateExpression(`nonexistent == 1`); err == nil {
		t.Error("expression with undeclared variable accepted")
	}
	if err := e.ValidateExpression(strings.Repeat("a", maxExpressionLength+1)); err == nil {
		t.Error("over-length expression accepted")
	}
	deep := strings.Repeat("(", maxNestingDepth+1) + "true" + strings.Repeat(")", maxNestingDepth+1)
	if err := e.ValidateExpression(deep); err == nil {
		t.Error("deeply nested expression accepted")
	}
}

func TestProgramCacheReuse(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	const expr = `action == "tools/call"`
	if _, err := e.EvalCondition(context.Background(), expr, testContext()); err != nil {
		t.Fatalf("first eval: %v", err)
	}
	e.mu.RLock()
	_, cached := e.programs[expr]
	e.mu.RUnlock()
	if !cached {
		t.Error("program not cached after evaluation")
	}
}
