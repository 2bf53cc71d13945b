package pap

import (
	"testing"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
	"github.com/aegis-gateway/aegis/internal/domain/policy"
)

func TestConvertTimeWindowPermission(t *testing.T) {
	c := NewConverter()
	res := c.Convert("Agents may access data between 9am and 5pm.")

	if len(res.Rules.Permissions) != 1 {
		t.Fatalf("permissions = %d, want 1", len(res.Rules.Permissions))
	}
	rule := res.Rules.Permissions[0]
	if len(rule.Constraints) != 2 {
		t.Fatalf("constraints = %d, want 2", len(rule.Constraints))
	}
	if rule.Constraints[0].LeftOperand != decision.OperandTimeOfDay {
		t.Errorf("leftOperand = %s, want timeOfDay", rule.Constraints[0].LeftOperand)
	}
	if got := rule.Constraints[0].RightOperand; got != "09:00" {
		t.Errorf("window start = %v, want 09:00", got)
	}
	if got := rule.Constraints[1].RightOperand; got != "17:00" {
		t.Errorf("window end = %v, want 17:00", got)
	}
	if res.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", res.Confidence)
	}
}

func TestConvertProhibition(t *testing.T) {
	c := NewConverter()
	res := c.Convert("Agents must not access confidential resources.")

	if len(res.Rules.Prohibitions) != 1 {
		t.Fatalf("prohibitions = %d, want 1", len(res.Rules.Prohibitions))
	}
	rule := res.Rules.Prohibitions[0]
	if len(rule.Constraints) != 1 {
		t.Fatalf("constraints = %d, want 1", len(rule.Constraints))
	}
	if rule.Constraints[0].LeftOperand != decision.OperandResourceClassification {
		t.Errorf("leftOperand = %s, want resourceClassification", rule.Constraints[0].LeftOperand)
	}
	if rule.Constraints[0].RightOperand != "confidential" {
		t.Errorf("rightOperand = %v, want confidential", rule.Constraints[0].RightOperand)
	}
}

func TestConvertTrustThreshold(t *testing.T) {
	c := NewConverter()
	res := c.Convert("Only agents with trust score above 0.8 may use tool deploy_service.")

	if len(res.Rules.Permissions) != 1 {
		t.Fatalf("permissions = %d, want 1", len(res.Rules.Permissions))
	}
	rule := res.Rules.Permissions[0]
	if rule.Action != "tool:deploy_service*" {
		t.Errorf("action = %s, want tool:deploy_service*", rule.Action)
	}
	found := false
	for _, con := range rule.Constraints {
		if con.LeftOperand == decision.OperandTrustScore &&
			con.Operator == policy.OpGt && con.RightOperand == 0.8 {
			found = true
		}
	}
	if !found {
		t.Error("trust-score constraint missing")
	}
}

func TestConvertBusinessHoursAndWeekdays(t *testing.T) {
	c := NewConverter()
	res := c.Convert("Analytics agents may query dashboards during business hours on weekdays.")

	if len(res.Rules.Permissions) != 1 {
		t.Fatalf("permissions = %d, want 1", len(res.Rules.Permissions))
	}
	names := map[string]bool{}
	for _, m := range res.Matched {
		names[m] = true
	}
	for _, want := range []string{"business-hours", "weekdays", "agent-type"} {
		if !names[want] {
			t.Errorf("pattern %q did not fire; matched = %v", want, res.Matched)
		}
	}
}

func TestConvertUnmatchedLowersConfidence(t *testing.T) {
	c := NewConverter()
	res := c.Convert(
		"Agents may read public data. The quarterly review covers policy hygiene.")

	if len(res.Unmatched) != 1 {
		t.Fatalf("unmatched = %d, want 1", len(res.Unmatched))
	}
	if res.Confidence != 0.5 {
		t.Errorf("confidence = %v, want 0.5", res.Confidence)
	}
}

func TestConvertEmptyText(t *testing.T) {
	c := NewConverter()
	res := c.Convert("")
	if !res.Rules.Empty() {
		t.Error("rules not empty for empty text")
	}
	if res.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", res.Confidence)
	}
}
