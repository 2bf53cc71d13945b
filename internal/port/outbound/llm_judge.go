package outbound

import (
	"context"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
	"github.com/aegis-gateway/aegis/internal/domain/policy"
)

// Judgment is the LLM judge's verdict on one request against one policy.
type Judgment struct {
	// Outcome is PERMIT, DENY, or INDETERMINATE.
	Outcome decision.Outcome
	// Reason is the model's short natural-language justification.
	Reason string
	// Confidence is the model's self-reported certainty in [0,1].
	Confidence float64
	// Constraints and Obligations the model derived from the policy text.
	Constraints []decision.ConstraintSpec
	Obligations []decision.ObligationSpec

	// Model is the provider model identifier that produced the verdict.
	Model string
	// Attempts is the number of provider calls made, retries included.
	Attempts int
	// PromptTokens and CompletionTokens report provider-side usage.
	PromptTokens     int
	CompletionTokens int
}

// LLMJudge evaluates a request context against a natural-language policy.
// Implementations must return an INDETERMINATE judgment rather than an
// error for provider failures that exhaust retries; errors are reserved
// for context cancellation and programming mistakes.
type LLMJudge interface {
	Judge(ctx context.Context, pol *policy.Policy, dctx *decision.Context) (Judgment, error)
}
