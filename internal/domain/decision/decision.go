// Package decision contains the domain types shared by the decision and
// enforcement pipeline: the enriched request context, the policy decision,
// and the constraint/obligation descriptors a decision carries.
package decision

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Outcome is the result of policy evaluation for a request.
type Outcome string

const (
	// Permit allows the request to proceed, subject to constraints.
	Permit Outcome = "PERMIT"
	// Deny blocks the request.
	Deny Outcome = "DENY"
	// Indeterminate means no confident decision could be produced.
	// Enforcement treats it as Deny but it is audited distinctly.
	Indeterminate Outcome = "INDETERMINATE"
	// NotApplicable means no policy matched the request.
	// Enforcement treats it as Deny but it is audited distinctly.
	NotApplicable Outcome = "NOT_APPLICABLE"
)

// Enforceable reports whether the outcome allows forwarding to an upstream.
func (o Outcome) Enforceable() bool {
	return o == Permit
}

// Engine identifies which evaluation path produced a decision.
type Engine string

const (
	// EngineStructured marks decisions from the ODRL rule evaluator.
	EngineStructured Engine = "structured"
	// EngineLLM marks decisions from the language-model judge.
	EngineLLM Engine = "llm"
	// EngineCache marks decisions served from the decision cache.
	EngineCache Engine = "cache"
)

// Well-known constraint kinds. The registry dispatches on kind prefix, so
// free-form kinds beyond these are allowed for extension processors.
const (
	ConstraintAnonymize   = "anonymize"
	ConstraintRateLimit   = "rate-limit"
	ConstraintGeoRestrict = "geo-restrict"
)

// Well-known obligation kinds.
const (
	ObligationAuditLog  = "audit-log"
	ObligationNotify    = "notify"
	ObligationLifecycle = "lifecycle"
)

// ConstraintSpec describes one constraint a decision attaches to a permit.
// Kind selects the processor; Params carry processor-specific settings
// (e.g. {"method":"mask","fields":["email"]} for anonymize).
type ConstraintSpec struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// Fingerprint returns a stable identity for deduplication across policies:
// the kind plus the canonically ordered parameters.
func (c ConstraintSpec) Fingerprint() string {
	return c.Kind + "|" + canonicalParams(c.Params)
}

// ObligationSpec describes one obligation a decision attaches.
// Whether the obligation runs sync or async, and whether it is critical,
// is decided by the registered executor, not the spec.
type ObligationSpec struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// Fingerprint returns a stable identity for deduplication across policies.
func (o ObligationSpec) Fingerprint() string {
	return o.Kind + "|" + canonicalParams(o.Params)
}

// canonicalParams renders params with sorted keys so fingerprints are
// insensitive to map iteration order.
func canonicalParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v, err := json.Marshal(params[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%v", params[k]))
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(v)
		b.WriteByte(';')
	}
	return b.String()
}

// Metadata carries provenance for a decision.
type Metadata struct {
	// PolicyID and PolicyVersion identify the policy that produced the
	// outcome (the winning policy under conflict resolution).
	PolicyID      string `json:"policyId,omitempty"`
	PolicyVersion string `json:"policyVersion,omitempty"`
	// SelectionReason explains why the policy was selected/won.
	SelectionReason string `json:"selectionReason,omitempty"`
	// Engine tags the evaluation path: structured, llm, or cache.
	Engine Engine `json:"engine"`
	// TimedOut marks a decision synthesized because the decision
	// deadline was exhausted; enforcement audits these as ERROR.
	TimedOut bool `json:"timedOut,omitempty"`
	// ProcessingMs is the wall time the engine spent on this decision.
	ProcessingMs int64 `json:"processingMs"`
	// Model is the LLM identifier when Engine is llm.
	Model string `json:"model,omitempty"`
	// Attempts counts LLM call attempts including retries.
	Attempts int `json:"attempts,omitempty"`
	// PromptTokens and CompletionTokens are LLM usage counts when known.
	PromptTokens     int `json:"promptTokens,omitempty"`
	CompletionTokens int `json:"completionTokens,omitempty"`
}

// Decision is the single output of the hybrid decision engine.
type Decision struct {
	Outcome     Outcome          `json:"outcome"`
	Reason      string           `json:"reason"`
	Confidence  float64          `json:"confidence"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
	Obligations []ObligationSpec `json:"obligations,omitempty"`
	Metadata    Metadata         `json:"metadata"`
}

// Permitted reports whether enforcement may forward the request upstream.
func (d *Decision) Permitted() bool {
	return d.Outcome.Enforceable()
}

// MergeSpecs unions constraints and obligations from another decision,
// deduplicating by fingerprint. Order is preserved: receiver's specs first,
// then the other's unseen specs in their listed order.
func (d *Decision) MergeSpecs(other *Decision) {
	seen := make(map[string]bool, len(d.Constraints))
	for _, c := range d.Constraints {
		seen[c.Fingerprint()] = true
	}
	for _, c := range other.Constraints {
		if fp := c.Fingerprint(); !seen[fp] {
			seen[fp] = true
			d.Constraints = append(d.Constraints, c)
		}
	}

	seenOb := make(map[string]bool, len(d.Obligations))
	for _, o := range d.Obligations {
		seenOb[o.Fingerprint()] = true
	}
	for _, o := range other.Obligations {
		if fp := o.Fingerprint(); !seenOb[fp] {
			seenOb[fp] = true
			d.Obligations = append(d.Obligations, o)
		}
	}
}
