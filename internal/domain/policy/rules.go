package policy

import (
	"fmt"
	"strings"
)

// Operator is a comparison operator in an atomic constraint.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGteq     Operator = "gteq"
	OpLt       Operator = "lt"
	OpLteq     Operator = "lteq"
	OpIn       Operator = "in"
	OpHasPart  Operator = "hasPart"
	OpIsA      Operator = "isA"
	OpIsAllOf  Operator = "isAllOf"
	OpIsAnyOf  Operator = "isAnyOf"
	OpIsNoneOf Operator = "isNoneOf"
	OpIsPartOf Operator = "isPartOf"
)

// Valid reports whether the operator is one of the recognized set.
func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNeq, OpGt, OpGteq, OpLt, OpLteq, OpIn,
		OpHasPart, OpIsA, OpIsAllOf, OpIsAnyOf, OpIsNoneOf, OpIsPartOf:
		return true
	}
	return false
}

// Constraint is a node in a constraint tree: either an atomic
// (leftOperand, operator, rightOperand) triple or exactly one logical
// combinator over sub-constraints. XONE requires exactly one sub-constraint
// to hold.
type Constraint struct {
	LeftOperand  string   `json:"leftOperand,omitempty"`
	Operator     Operator `json:"operator,omitempty"`
	RightOperand any      `json:"rightOperand,omitempty"`

	And  []*Constraint `json:"and,omitempty"`
	Or   []*Constraint `json:"or,omitempty"`
	Xone []*Constraint `json:"xone,omitempty"`
}

// IsLeaf reports whether this node is an atomic constraint.
func (c *Constraint) IsLeaf() bool {
	return len(c.And) == 0 && len(c.Or) == 0 && len(c.Xone) == 0
}

// Validate checks that the node is either a well-formed atom or carries
// exactly one logical combinator.
func (c *Constraint) Validate() error {
	combinators := 0
	for _, group := range [][]*Constraint{c.And, c.Or, c.Xone} {
		if len(group) > 0 {
			combinators++
			for _, sub := range group {
				if err := sub.Validate(); err != nil {
					return err
				}
			}
		}
	}
	if combinators > 1 {
		return fmt.Errorf("constraint mixes logical combinators")
	}
	if combinators == 1 {
		return nil
	}
	if c.LeftOperand == "" {
		return fmt.Errorf("atomic constraint missing leftOperand")
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("atomic constraint has unknown operator %q", c.Operator)
	}
	return nil
}

// Duty is an obligation attached to a permission rule; satisfied
// permissions carry their duties into the decision as obligations.
type Duty struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Rule is a single permission, prohibition, or obligation rule.
type Rule struct {
	// Action matches the request action or tool. Supported forms:
	// exact, trailing-* wildcard, "mcp:<method>", and "tool:<toolName>".
	Action string `json:"action"`
	// Target optionally matches the resource URI (same pattern forms).
	Target string `json:"target,omitempty"`
	// Assignee optionally matches the agent ID (same pattern forms).
	Assignee string `json:"assignee,omitempty"`
	// Constraints must all hold for the rule to fire.
	Constraints []*Constraint `json:"constraints,omitempty"`
	// Condition is an optional CEL guard evaluated against the enriched
	// context; a false or failed condition counts as constraints failed.
	Condition string `json:"condition,omitempty"`
	// Duties attach to permissions; they become decision obligations.
	Duties []Duty `json:"duties,omitempty"`
}

// MatchesAction reports whether the rule's action pattern matches the
// request action (MCP method) and, for tools/call, the target tool name.
func (r *Rule) MatchesAction(action, tool string) bool {
	pattern := r.Action
	switch {
	case pattern == "", pattern == "*":
		return true
	case strings.HasPrefix(pattern, "mcp:"):
		return MatchPattern(strings.TrimPrefix(pattern, "mcp:"), action)
	case strings.HasPrefix(pattern, "tool:"):
		return tool != "" && MatchPattern(strings.TrimPrefix(pattern, "tool:"), tool)
	default:
		if MatchPattern(pattern, action) {
			return true
		}
		return tool != "" && MatchPattern(pattern, tool)
	}
}

// MatchesTarget reports whether the rule applies to the resource.
func (r *Rule) MatchesTarget(resource string) bool {
	if r.Target == "" {
		return true
	}
	return MatchPattern(r.Target, resource)
}

// MatchesAssignee reports whether the rule applies to the agent.
func (r *Rule) MatchesAssignee(agentID string) bool {
	if r.Assignee == "" {
		return true
	}
	return MatchPattern(r.Assignee, agentID)
}

// Validate checks the rule's constraint tree.
func (r *Rule) Validate() error {
	if r.Action == "" {
		return fmt.Errorf("rule missing action")
	}
	for _, c := range r.Constraints {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("rule %q: %w", r.Action, err)
		}
	}
	return nil
}

// RuleSet is the ODRL-shaped structured body of a policy.
type RuleSet struct {
	Permissions  []Rule `json:"permissions,omitempty"`
	Prohibitions []Rule `json:"prohibitions,omitempty"`
	Obligations  []Rule `json:"obligations,omitempty"`
}

// Empty reports whether the rule set carries no rules at all.
func (rs *RuleSet) Empty() bool {
	return rs.Len() == 0
}

// Len returns the total rule count.
func (rs *RuleSet) Len() int {
	return len(rs.Permissions) + len(rs.Prohibitions) + len(rs.Obligations)
}

// Validate checks every rule in the set.
func (rs *RuleSet) Validate() error {
	for _, group := range [][]Rule{rs.Permissions, rs.Prohibitions, rs.Obligations} {
		for i := range group {
			if err := group[i].Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}
