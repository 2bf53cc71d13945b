// Package cel adapts cel-go as the rule condition evaluator: compiled
// programs are cached per expression, and evaluation runs with cost and
// nesting limits so an authored expression cannot stall the decision path.
package cel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

// maxExpressionLength bounds authored condition expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout caps a single evaluation independently of the decision
// deadline.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates rule condition expressions. It is
// safe for concurrent use; compiled programs are cached by expression.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewConditionEnvironment declares the variables rule conditions may
// reference: flat context fields plus the namespaced attribute bags and
// the free-form environment map.
func NewConditionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("agentId", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("purpose", cel.StringType),
		cel.Variable("location", cel.StringType),
		cel.Variable("emergency", cel.BoolType),
		cel.Variable("delegationDepth", cel.IntType),
		cel.Variable("timeOfDay", cel.StringType),
		cel.Variable("dayOfWeek", cel.StringType),
		cel.Variable("attrs", cel.MapType(cel.StringType, cel.MapType(cel.StringType, cel.DynType))),
		cel.Variable("env", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// NewEvaluator creates an evaluator with the condition environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewConditionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create condition environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// EvalCondition evaluates a condition expression against the decision
// context. It implements the rule evaluator's ConditionEvaluator port.
func (e *Evaluator) EvalCondition(ctx context.Context, expr string, dctx *decision.Context) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activationFor(dctx))
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return b, nil
}

// ValidateExpression checks that an expression is syntactically valid
// and within the safety limits. The policy store calls this before a
// policy carrying conditions is accepted.
func (e *Evaluator) ValidateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	if _, err := e.compile(expr); err != nil {
		return fmt.Errorf("invalid condition expression: %w", err)
	}
	return nil
}

// program returns the cached compiled program for expr, compiling and
// caching on first use.
func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return nil, err
	}
	prg, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// activationFor maps the decision context onto the declared variables.
// Attribute bags are passed through as-is; absent maps become empty so
// expressions can index them without null checks.
func activationFor(dctx *decision.Context) map[string]any {
	attrs := make(map[string]any, len(dctx.Attributes))
	for ns, bag := range dctx.Attributes {
		attrs[ns] = bag
	}
	env := dctx.Environment
	if env == nil {
		env = map[string]any{}
	}
	return map[string]any{
		"agentId":         dctx.AgentID,
		"action":          dctx.Action,
		"resource":        dctx.Resource,
		"purpose":         dctx.Purpose,
		"location":        dctx.Location,
		"emergency":       dctx.Emergency,
		"delegationDepth": len(dctx.DelegationChain),
		"timeOfDay":       dctx.Timestamp.Format("15:04"),
		"dayOfWeek":       dctx.Timestamp.Weekday().String(),
		"attrs":           attrs,
		"env":             env,
	}
}

// validateNesting rejects expressions whose parenthesis, bracket, or
// brace nesting exceeds the limit.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}
