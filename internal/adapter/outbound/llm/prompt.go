package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
	"github.com/aegis-gateway/aegis/internal/domain/policy"
	"github.com/aegis-gateway/aegis/internal/port/outbound"
)

const judgeSystemPrompt = `You are a policy decision engine for an MCP gateway.
Given a policy written in natural language and a request context, decide
whether the request is permitted.

Respond with a single JSON object and nothing else:
{
  "decision": "PERMIT" | "DENY" | "INDETERMINATE" | "NOT_APPLICABLE",
  "reason": "<one sentence>",
  "confidence": <number between 0 and 1>,
  "constraints": [{"kind": "<kind>", "params": {}}],
  "obligations": [{"kind": "<kind>", "params": {}}]
}

Rules:
- Use NOT_APPLICABLE when the policy does not speak to this request.
- Use INDETERMINATE when the policy applies but you cannot decide.
- List constraints (anonymize, rate-limit, geo-restrict) only when the
  policy requires them for a PERMIT.
- List obligations (audit-log, notify, lifecycle) only when the policy
  requires follow-up actions.
- Be conservative: when in doubt, lower your confidence.`

const claritySystemPrompt = `You review natural-language access policies for
ambiguity before they are enforced by a machine. Reply with a JSON array of
short strings, each naming one ambiguity or undefined term. Reply with []
when the policy is clear enough to enforce. No prose outside the array.`

// verdictSchema validates the model's reply before it becomes a
// judgment. Compiled once at package load.
var verdictSchema = jsonschema.MustCompileString("verdict.json", `{
	"type": "object",
	"required": ["decision", "reason", "confidence"],
	"properties": {
		"decision": {"enum": ["PERMIT", "DENY", "INDETERMINATE", "NOT_APPLICABLE"]},
		"reason": {"type": "string", "minLength": 1},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"constraints": {"type": "array", "items": {
			"type": "object",
			"required": ["kind"],
			"properties": {
				"kind": {"type": "string", "minLength": 1},
				"params": {"type": "object"}
			}
		}},
		"obligations": {"type": "array", "items": {
			"type": "object",
			"required": ["kind"],
			"properties": {
				"kind": {"type": "string", "minLength": 1},
				"params": {"type": "object"}
			}
		}}
	}
}`)

// judgeUserPrompt renders the policy and the enriched context for the
// model. Attributes are serialized as JSON so enrichment results are
// available verbatim.
func judgeUserPrompt(pol *policy.Policy, dctx *decision.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "POLICY %q:\n%s\n\nREQUEST:\n%s\n", pol.Name, pol.Text, dctx.Summary())
	if dctx.Purpose != "" {
		fmt.Fprintf(&b, "purpose: %s\n", dctx.Purpose)
	}
	if dctx.Location != "" {
		fmt.Fprintf(&b, "location: %s\n", dctx.Location)
	}
	if len(dctx.Attributes) > 0 {
		if attrs, err := json.Marshal(dctx.Attributes); err == nil {
			fmt.Fprintf(&b, "\nCONTEXT ATTRIBUTES:\n%s\n", attrs)
		}
	}
	return b.String()
}

func repairPrompt(err error) string {
	return fmt.Sprintf("Your reply was not a valid verdict: %v\nRespond again with only the JSON object described in the instructions.", err)
}

type verdictSpec struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params"`
}

type verdict struct {
	Decision    string        `json:"decision"`
	Reason      string        `json:"reason"`
	Confidence  float64       `json:"confidence"`
	Constraints []verdictSpec `json:"constraints"`
	Obligations []verdictSpec `json:"obligations"`
}

func (v verdict) judgment() outbound.Judgment {
	j := outbound.Judgment{
		Outcome:    decision.Outcome(v.Decision),
		Reason:     v.Reason,
		Confidence: v.Confidence,
	}
	for _, c := range v.Constraints {
		j.Constraints = append(j.Constraints, decision.ConstraintSpec{Kind: c.Kind, Params: c.Params})
	}
	for _, o := range v.Obligations {
		j.Obligations = append(j.Obligations, decision.ObligationSpec{Kind: o.Kind, Params: o.Params})
	}
	return j
}

// parseVerdict validates and decodes the model reply. Markdown code
// fences around the JSON are tolerated.
func parseVerdict(content string) (verdict, error) {
	raw := stripFences(content)

	var untyped any
	if err := json.Unmarshal([]byte(raw), &untyped); err != nil {
		return verdict{}, fmt.Errorf("reply is not JSON: %w", err)
	}
	if err := verdictSchema.Validate(untyped); err != nil {
		return verdict{}, fmt.Errorf("reply does not match the verdict schema: %w", err)
	}

	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	return v, nil
}

// stripFences removes a surrounding markdown code fence, with or without
// a language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		if first := strings.TrimSpace(s[:i]); first == "json" || first == "" {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
