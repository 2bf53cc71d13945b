// Package ruleeval implements the structured pass of the hybrid decision
// engine: ODRL-shaped rules evaluated against an enriched decision
// context. Prohibitions are checked before permissions; a satisfied rule
// produces a definitive outcome with confidence 1.0 and the LLM judge is
// never consulted for that policy.
package ruleeval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
	"github.com/aegis-gateway/aegis/internal/domain/policy"
)

// ConditionEvaluator evaluates a rule's optional guard expression
// against the enriched context. Implemented by the CEL adapter.
type ConditionEvaluator interface {
	EvalCondition(ctx context.Context, expr string, dctx *decision.Context) (bool, error)
}

// Result is the structured pass's verdict for one policy.
type Result struct {
	// Outcome is Permit or Deny when a rule fired, NotApplicable when no
	// rule matched the request at all.
	Outcome decision.Outcome
	// Matched reports whether any rule matched by action/target/assignee,
	// regardless of its constraints.
	Matched bool
	// Reason explains the outcome, or the nearest constraint failure.
	Reason string
	// FailedConstraints describes constraints that blocked otherwise
	// matching rules. Used for actionable denial reasons.
	FailedConstraints []string
	// Obligations carries the duties of the satisfied permission.
	Obligations []decision.ObligationSpec
}

// Decided reports whether the structured pass produced a definitive
// outcome for this policy.
func (r Result) Decided() bool {
	return r.Outcome == decision.Permit || r.Outcome == decision.Deny
}

// Evaluator runs the structured pass. conditions may be nil when CEL
// guards are not configured; rules carrying a condition then fail closed.
type Evaluator struct {
	conditions ConditionEvaluator
	logger     *slog.Logger
}

// New creates a rule evaluator.
func New(conditions ConditionEvaluator, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		conditions: conditions,
		logger:     logger.With("component", "ruleeval"),
	}
}

// Evaluate runs a policy's rule set against the context.
func (e *Evaluator) Evaluate(ctx context.Context, pol *policy.Policy, dctx *decision.Context) Result {
	res := Result{Outcome: decision.NotApplicable}
	if !pol.HasRules() {
		return res
	}

	toolName := ""
	if dctx.Action == "tools/call" {
		toolName = dctx.Resource
	}

	// Prohibitions first: any satisfied prohibition denies outright.
	for i := range pol.Rules.Prohibitions {
		rule := &pol.Rules.Prohibitions[i]
		if !e.ruleMatches(rule, dctx, toolName) {
			continue
		}
		res.Matched = true
		ok, failure := e.constraintsHold(ctx, rule, dctx)
		if !ok {
			if failure != "" {
				res.FailedConstraints = append(res.FailedConstraints, failure)
			}
			continue
		}
		res.Outcome = decision.Deny
		res.Reason = fmt.Sprintf("prohibited by rule %q", rule.Action)
		res.FailedConstraints = nil
		return res
	}

	// Permissions: the first satisfied permission permits, carrying its
	// duties as obligations.
	for i := range pol.Rules.Permissions {
		rule := &pol.Rules.Permissions[i]
		if !e.ruleMatches(rule, dctx, toolName) {
			continue
		}
		res.Matched = true
		ok, failure := e.constraintsHold(ctx, rule, dctx)
		if !ok {
			if failure != "" {
				res.FailedConstraints = append(res.FailedConstraints, failure)
			}
			continue
		}
		res.Outcome = decision.Permit
		res.Reason = fmt.Sprintf("permitted by rule %q", rule.Action)
		for _, duty := range rule.Duties {
			res.Obligations = append(res.Obligations, decision.ObligationSpec{
				Kind:   duty.Action,
				Params: duty.Params,
			})
		}
		return res
	}

	if res.Matched {
		res.Reason = "matching rules exist but their constraints are not satisfied"
		if len(res.FailedConstraints) > 0 {
			res.Reason = "constraint not satisfied: " + strings.Join(res.FailedConstraints, "; ")
		}
	}
	return res
}

// ruleMatches checks action, target, and assignee patterns.
func (e *Evaluator) ruleMatches(rule *policy.Rule, dctx *decision.Context, toolName string) bool {
	return rule.MatchesAction(dctx.Action, toolName) &&
		rule.MatchesTarget(dctx.Resource) &&
		rule.MatchesAssignee(dctx.AgentID)
}

// constraintsHold evaluates the rule's constraint tree and its optional
// guard condition. The second return describes the first failure.
func (e *Evaluator) constraintsHold(ctx context.Context, rule *policy.Rule, dctx *decision.Context) (bool, string) {
	for _, c := range rule.Constraints {
		if !e.evalConstraint(c, dctx) {
			return false, describeConstraint(c, dctx)
		}
	}
	if rule.Condition != "" {
		if e.conditions == nil {
			// No evaluator configured: a guarded rule fails closed.
			return false, fmt.Sprintf("condition %q cannot be evaluated", rule.Condition)
		}
		ok, err := e.conditions.EvalCondition(ctx, rule.Condition, dctx)
		if err != nil {
			e.logger.Warn("rule condition failed to evaluate",
				"condition", rule.Condition, "error", err)
			return false, fmt.Sprintf("condition %q failed to evaluate", rule.Condition)
		}
		if !ok {
			return false, fmt.Sprintf("condition %q is false", rule.Condition)
		}
	}
	return true, ""
}

// evalConstraint walks the constraint tree. XONE requires exactly one
// satisfied sub-constraint.
func (e *Evaluator) evalConstraint(c *policy.Constraint, dctx *decision.Context) bool {
	switch {
	case len(c.And) > 0:
		for _, sub := range c.And {
			if !e.evalConstraint(sub, dctx) {
				return false
			}
		}
		return true
	case len(c.Or) > 0:
		for _, sub := range c.Or {
			if e.evalConstraint(sub, dctx) {
				return true
			}
		}
		return false
	case len(c.Xone) > 0:
		satisfied := 0
		for _, sub := range c.Xone {
			if e.evalConstraint(sub, dctx) {
				satisfied++
				if satisfied > 1 {
					return false
				}
			}
		}
		return satisfied == 1
	default:
		left, defined := dctx.Operand(c.LeftOperand)
		return compare(c.Operator, left, defined, c.RightOperand)
	}
}

// describeConstraint renders the failing node for denial reasons. For
// logical nodes the combinator is named; the offending leaf inside is
// not tracked to keep evaluation single-pass.
func describeConstraint(c *policy.Constraint, dctx *decision.Context) string {
	switch {
	case len(c.And) > 0:
		return fmt.Sprintf("and(%d sub-constraints)", len(c.And))
	case len(c.Or) > 0:
		return fmt.Sprintf("or(%d sub-constraints)", len(c.Or))
	case len(c.Xone) > 0:
		return fmt.Sprintf("xone(%d sub-constraints)", len(c.Xone))
	default:
		left, defined := dctx.Operand(c.LeftOperand)
		if !defined {
			return fmt.Sprintf("%s is undefined", c.LeftOperand)
		}
		return fmt.Sprintf("%s (=%v) %s %v", c.LeftOperand, left, c.Operator, c.RightOperand)
	}
}
