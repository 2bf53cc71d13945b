package ruleeval

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aegis-gateway/aegis/internal/domain/policy"
)

// compare evaluates one atomic constraint: left is the resolved operand
// value (defined=false when the context has no such attribute), right is
// the rule's literal. Every comparison against an undefined operand is
// false, except neq which is vacuously true.
func compare(op policy.Operator, left any, defined bool, right any) bool {
	if !defined {
		return op == policy.OpNeq
	}

	switch op {
	case policy.OpEq:
		return looseEqual(left, right)
	case policy.OpNeq:
		return !looseEqual(left, right)
	case policy.OpGt, policy.OpGteq, policy.OpLt, policy.OpLteq:
		return ordered(op, left, right)
	case policy.OpIn, policy.OpIsAnyOf, policy.OpIsA:
		return memberOf(left, right)
	case policy.OpIsNoneOf:
		return !memberOf(left, right)
	case policy.OpIsAllOf:
		return containsAll(left, right)
	case policy.OpHasPart:
		return memberOf(right, left)
	case policy.OpIsPartOf:
		return partOf(left, right)
	default:
		return false
	}
}

// looseEqual compares across the types JSON and the context produce:
// numbers compare numerically regardless of int/float representation,
// everything else by canonical string form.
func looseEqual(a, b any) bool {
	if fa, okA := toFloat(a); okA {
		if fb, okB := toFloat(b); okB {
			return fa == fb
		}
	}
	return canon(a) == canon(b)
}

// ordered handles gt/gteq/lt/lteq: numerically when both sides are
// numbers, lexicographically otherwise. Lexicographic ordering is what
// makes "15:04" clock strings and RFC 3339 timestamps compare correctly.
func ordered(op policy.Operator, a, b any) bool {
	var cmp int
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	switch {
	case okA && okB:
		switch {
		case fa < fb:
			cmp = -1
		case fa > fb:
			cmp = 1
		}
	default:
		cmp = strings.Compare(canon(a), canon(b))
	}

	switch op {
	case policy.OpGt:
		return cmp > 0
	case policy.OpGteq:
		return cmp >= 0
	case policy.OpLt:
		return cmp < 0
	case policy.OpLteq:
		return cmp <= 0
	}
	return false
}

// memberOf reports whether needle equals one element of haystack.
// A scalar haystack degrades to equality.
func memberOf(needle, haystack any) bool {
	for _, item := range toList(haystack) {
		if looseEqual(needle, item) {
			return true
		}
	}
	return false
}

// containsAll reports whether every element of required appears in values.
func containsAll(values, required any) bool {
	for _, want := range toList(required) {
		if !memberOf(want, values) {
			return false
		}
	}
	return true
}

// partOf reports set membership, with a substring fallback when both
// sides are strings (a path is part of a directory prefix).
func partOf(left, right any) bool {
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		return strings.Contains(rs, ls)
	}
	return memberOf(left, right)
}

// toList normalizes a right-operand to a slice. JSON unmarshals arrays
// as []any; rules built in Go may carry typed slices.
func toList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out
	case []float64:
		out := make([]any, len(t))
		for i, f := range t {
			out[i] = f
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}

// toFloat coerces the numeric types JSON decoding and Go literals
// produce into float64.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// canon renders a value in a stable comparable form.
func canon(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
