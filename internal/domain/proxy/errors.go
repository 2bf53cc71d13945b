package proxy

import (
	"errors"
	"fmt"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
	"github.com/aegis-gateway/aegis/internal/enforce"
	"github.com/aegis-gateway/aegis/pkg/mcp"
)

// PolicyDenyError reports a non-PERMIT decision. The outcome is kept so
// denial, indeterminate, and not-applicable map to distinct reasons in
// the client-facing error while all being enforced the same way.
type PolicyDenyError struct {
	Outcome     decision.Outcome
	Reason      string
	PolicyID    string
	Suggestions []string
}

func (e *PolicyDenyError) Error() string {
	return fmt.Sprintf("access denied (%s): %s", e.Outcome, e.Reason)
}

// UpstreamUnavailableError reports that the selected upstream could not
// take the request: disconnected, at its inflight bound, or unknown.
type UpstreamUnavailableError struct {
	UpstreamID string
	Reason     string
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream %s unavailable: %s", e.UpstreamID, e.Reason)
}

// ToErrorMessage maps an enforcement error onto the JSON-RPC error
// response contract.
func ToErrorMessage(req *mcp.Message, err error) *mcp.Message {
	var rateErr *enforce.RateLimitError
	if errors.As(err, &rateErr) {
		return mcp.NewErrorMessage(req, mcp.CodeRateLimited, "rate limit exceeded", map[string]any{
			"retryAfterMs": rateErr.RetryAfter.Milliseconds(),
		})
	}

	var constraintErr *enforce.ConstraintError
	if errors.As(err, &constraintErr) {
		return mcp.NewErrorMessage(req, mcp.CodePolicyViolation, "policy constraint violated", map[string]any{
			"constraint": constraintErr.Kind,
		})
	}

	var obligationErr *enforce.CriticalObligationError
	if errors.As(err, &obligationErr) {
		return mcp.NewErrorMessage(req, mcp.CodePolicyViolation, "enforcement obligation failed", map[string]any{
			"obligation": obligationErr.Kind,
		})
	}

	var denyErr *PolicyDenyError
	if errors.As(err, &denyErr) {
		data := map[string]any{"reason": denyErr.Reason}
		if denyErr.PolicyID != "" {
			data["policyId"] = denyErr.PolicyID
		}
		if len(denyErr.Suggestions) > 0 {
			data["suggestions"] = denyErr.Suggestions
		}
		return mcp.NewErrorMessage(req, mcp.CodeAccessDenied, denyMessage(denyErr.Outcome), data)
	}

	var upstreamErr *UpstreamUnavailableError
	if errors.As(err, &upstreamErr) {
		return mcp.NewErrorMessage(req, mcp.CodeAccessDenied, "upstream unavailable", map[string]any{
			"reason":   "upstream unavailable",
			"upstream": upstreamErr.UpstreamID,
		})
	}

	return mcp.NewErrorMessage(req, mcp.CodeInternal, "internal error", nil)
}

func denyMessage(o decision.Outcome) string {
	switch o {
	case decision.Indeterminate:
		return "access denied: no confident decision could be made"
	case decision.NotApplicable:
		return "access denied: no applicable policy"
	default:
		return "access denied by policy"
	}
}
