package enforce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

// PII detection patterns for field-less anonymize descriptors. These are
// heuristics, not validators; precision is traded for recall.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), // email
	regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`),                          // phone
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                          // US SSN
	regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),                         // card number
}

// Anonymizer is the constraint processor for the anonymize kind.
// It rewrites named fields (or auto-detected PII) anywhere in the
// payload: nested objects and arrays are traversed deeply.
type Anonymizer struct{}

// NewAnonymizer creates the processor.
func NewAnonymizer() *Anonymizer { return &Anonymizer{} }

func (a *Anonymizer) Prefixes() []string { return []string{decision.ConstraintAnonymize} }

// Apply transforms the payload per the descriptor parameters:
// method ∈ {mask, tokenize, hash} (default mask), fields optional.
// Without fields, string values are scanned for PII patterns.
func (a *Anonymizer) Apply(_ context.Context, spec decision.ConstraintSpec, payload map[string]any, _ *decision.Context) (map[string]any, error) {
	if payload == nil {
		return nil, nil
	}
	method := stringParam(spec.Params, "method", "mask")
	transform, err := transformFor(method)
	if err != nil {
		return nil, err
	}

	fields := fieldSet(spec.Params)
	out := a.walkMap(payload, fields, transform)
	return out, nil
}

// walkMap rewrites a copy of the object. Matching a field name by key is
// case-insensitive; matched values are stringified then transformed.
func (a *Anonymizer) walkMap(m map[string]any, fields map[string]bool, transform func(string) string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if len(fields) > 0 && fields[strings.ToLower(k)] {
			out[k] = transform(stringify(v))
			continue
		}
		out[k] = a.walkValue(v, fields, transform)
	}
	return out
}

func (a *Anonymizer) walkValue(v any, fields map[string]bool, transform func(string) string) any {
	switch t := v.(type) {
	case map[string]any:
		return a.walkMap(t, fields, transform)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = a.walkValue(item, fields, transform)
		}
		return out
	case string:
		if len(fields) == 0 {
			return scrubString(t, transform)
		}
		return t
	default:
		return v
	}
}

// scrubString replaces every PII pattern match inside the string.
func scrubString(s string, transform func(string) string) string {
	for _, re := range piiPatterns {
		s = re.ReplaceAllStringFunc(s, transform)
	}
	return s
}

func transformFor(method string) (func(string) string, error) {
	switch method {
	case "mask":
		return maskValue, nil
	case "tokenize":
		return tokenizeValue, nil
	case "hash":
		return hashValue, nil
	default:
		return nil, fmt.Errorf("unknown anonymize method %q", method)
	}
}

// maskValue keeps the first rune and replaces the rest with asterisks.
func maskValue(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	return string(runes[0]) + strings.Repeat("*", len(runes)-1)
}

// tokenizeValue replaces the value with a stable opaque token, so equal
// inputs stay correlatable across entries without exposing the value.
func tokenizeValue(s string) string {
	return fmt.Sprintf("tok_%016x", xxhash.Sum64String(s))
}

// hashValue replaces the value with its SHA-256 digest.
func hashValue(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func fieldSet(params map[string]any) map[string]bool {
	raw, ok := params["fields"]
	if !ok {
		return nil
	}
	set := make(map[string]bool)
	switch t := raw.(type) {
	case []any:
		for _, f := range t {
			if s, ok := f.(string); ok {
				set[strings.ToLower(s)] = true
			}
		}
	case []string:
		for _, s := range t {
			set[strings.ToLower(s)] = true
		}
	}
	return set
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
