package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aegis-gateway/aegis/internal/ctxkey"
	"github.com/aegis-gateway/aegis/internal/domain/audit"
	"github.com/aegis-gateway/aegis/internal/domain/decision"
	"github.com/aegis-gateway/aegis/internal/enforce"
	"github.com/aegis-gateway/aegis/pkg/mcp"
)

// DecisionPipeline produces a policy decision for an enriched context.
// Implemented by the service layer (PIP enrichment → PAP selection →
// PDP decision).
type DecisionPipeline interface {
	Evaluate(ctx context.Context, dctx *decision.Context) (decision.Decision, audit.PolicySnapshot, error)
}

// FeedbackSink receives per-request outcomes for trust scoring and the
// security enricher's failure tracking. Optional.
type FeedbackSink interface {
	RecordOutcome(agentID string, permitted bool)
}

// EnforcementInterceptor is the PEP decision layer: it builds the
// decision context for policy-applicable requests, obtains a decision,
// enforces it (deny on anything but PERMIT), applies constraints to the
// outgoing arguments and the response payload, and executes obligations.
type EnforcementInterceptor struct {
	next        MessageInterceptor
	pipeline    DecisionPipeline
	constraints *enforce.ConstraintRegistry
	obligations *enforce.ObligationRegistry
	feedback    FeedbackSink
	logger      *slog.Logger
}

// NewEnforcementInterceptor creates the interceptor. feedback may be nil.
func NewEnforcementInterceptor(
	next MessageInterceptor,
	pipeline DecisionPipeline,
	constraints *enforce.ConstraintRegistry,
	obligations *enforce.ObligationRegistry,
	feedback FeedbackSink,
	logger *slog.Logger,
) *EnforcementInterceptor {
	return &EnforcementInterceptor{
		next:        next,
		pipeline:    pipeline,
		constraints: constraints,
		obligations: obligations,
		feedback:    feedback,
		logger:      logger.With("component", "enforcement_interceptor"),
	}
}

var _ MessageInterceptor = (*EnforcementInterceptor)(nil)

func (i *EnforcementInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if msg.Direction == mcp.ServerToClient || !msg.PolicyApplicable() {
		return i.next.Intercept(ctx, msg)
	}

	agentID := msg.AgentID
	rec := audit.RecordFromContext(ctx)
	dctx := i.buildContext(ctx, msg)

	d, snapshot, err := i.pipeline.Evaluate(ctx, dctx)
	if err != nil {
		if rec != nil {
			rec.SetContext(*dctx)
			rec.SetOutcome(audit.OutcomeError)
		}
		return nil, err
	}
	if rec != nil {
		rec.SetContext(*dctx)
		rec.SetDecision(d, snapshot)
	}

	if !d.Outcome.Enforceable() {
		i.recordFeedback(agentID, false)
		// A deadline-synthesized INDETERMINATE is an evaluation failure,
		// not a policy verdict.
		if rec != nil && d.Metadata.TimedOut {
			rec.SetOutcome(audit.OutcomeError)
		}
		return nil, &PolicyDenyError{
			Outcome:     d.Outcome,
			Reason:      d.Reason,
			PolicyID:    d.Metadata.PolicyID,
			Suggestions: suggestionsFor(d),
		}
	}

	// Outgoing pass: all constraints run against the request arguments;
	// admission checks (rate limit, geo) reject here.
	msg, err = i.applyToRequest(ctx, msg, d.Constraints, dctx)
	if err != nil {
		i.recordFeedback(agentID, false)
		if rec != nil {
			rec.SetOutcome(audit.OutcomeFailure)
		}
		return nil, err
	}

	resp, err := i.next.Intercept(ctx, msg)
	if err != nil {
		if rec != nil {
			rec.SetOutcome(audit.OutcomeFailure)
		}
		return nil, err
	}
	if rec != nil && resp != nil {
		rec.SetUpstreamSummary(summarizeResponse(resp))
	}

	// Response pass: transforming constraints only. Admission checks are
	// request-time decisions; re-running the rate limiter here would
	// double-count every permitted call.
	resp, err = i.applyToResponse(ctx, resp, transformingOnly(d.Constraints), dctx)
	if err != nil {
		if rec != nil {
			rec.SetOutcome(audit.OutcomeFailure)
		}
		return nil, err
	}

	// Sync obligations must complete before the response leaves; a
	// critical failure suppresses the response.
	if err := i.obligations.Execute(ctx, d.Obligations, dctx); err != nil {
		return nil, err
	}

	i.recordFeedback(agentID, true)
	return i.augmentResponse(ctx, resp, d), nil
}

// buildContext constructs the decision context from the message and its
// optional _meta block (caller-declared purpose, location, emergency,
// delegation chain, session).
func (i *EnforcementInterceptor) buildContext(ctx context.Context, msg *mcp.Message) *decision.Context {
	requestID, _ := ctx.Value(ctxkey.RequestIDKey{}).(string)
	dctx := &decision.Context{
		RequestID: requestID,
		AgentID:   msg.AgentID,
		Action:    msg.Method(),
		Resource:  msg.ToolName(),
		Timestamp: msg.Timestamp,
		ClientIP:  msg.ClientIP,
	}

	params := msg.ParseParams()
	meta, _ := params["_meta"].(map[string]any)
	if meta == nil {
		return dctx
	}
	if v, ok := meta["purpose"].(string); ok {
		dctx.Purpose = v
	}
	if v, ok := meta["location"].(string); ok {
		dctx.Location = v
	}
	if v, ok := meta["sessionId"].(string); ok {
		dctx.SessionID = v
	}
	if v, ok := meta["emergency"].(bool); ok {
		dctx.Emergency = v
	}
	if chain, ok := meta["delegationChain"].([]any); ok {
		for _, link := range chain {
			if s, ok := link.(string); ok {
				dctx.DelegationChain = append(dctx.DelegationChain, s)
			}
		}
	}
	return dctx
}

// applyToRequest runs the constraints against the tools/call arguments.
// Requests without an argument object still go through the registry so
// admission checks run.
func (i *EnforcementInterceptor) applyToRequest(ctx context.Context, msg *mcp.Message, specs []decision.ConstraintSpec, dctx *decision.Context) (*mcp.Message, error) {
	if len(specs) == 0 {
		return msg, nil
	}

	params := msg.ParseParams()
	args, _ := params["arguments"].(map[string]any)

	transformed, err := i.constraints.Apply(ctx, specs, args, dctx)
	if err != nil {
		return nil, err
	}
	if args == nil {
		return msg, nil
	}

	rewritten := make(map[string]any, len(params))
	for k, v := range params {
		rewritten[k] = v
	}
	rewritten["arguments"] = transformed

	out, err := mcp.NewRequestMessage(msg.RawID(), msg.Method(), rewritten)
	if err != nil {
		return nil, err
	}
	out.AgentID = msg.AgentID
	out.ClientIP = msg.ClientIP
	out.Timestamp = msg.Timestamp
	return out, nil
}

// applyToResponse runs transforming constraints against the response
// result object.
func (i *EnforcementInterceptor) applyToResponse(ctx context.Context, resp *mcp.Message, specs []decision.ConstraintSpec, dctx *decision.Context) (*mcp.Message, error) {
	if resp == nil || len(specs) == 0 {
		return resp, nil
	}

	payload := resultObject(resp)
	if payload == nil {
		return resp, nil
	}

	transformed, err := i.constraints.Apply(ctx, specs, payload, dctx)
	if err != nil {
		return nil, err
	}

	out, err := replaceResult(resp, transformed)
	if err != nil {
		i.logger.Error("failed to rebuild response after constraints", "error", err)
		return nil, err
	}
	return out, nil
}

// augmentResponse attaches decision metadata under result._meta so
// clients can correlate responses with audit entries.
func (i *EnforcementInterceptor) augmentResponse(ctx context.Context, resp *mcp.Message, d decision.Decision) *mcp.Message {
	if resp == nil {
		return nil
	}
	payload := resultObject(resp)
	if payload == nil {
		return resp
	}

	requestID, _ := ctx.Value(ctxkey.RequestIDKey{}).(string)
	meta, _ := payload["_meta"].(map[string]any)
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["aegis"] = map[string]any{
		"requestId": requestID,
		"policyId":  d.Metadata.PolicyID,
		"engine":    string(d.Metadata.Engine),
	}
	payload["_meta"] = meta

	out, err := replaceResult(resp, payload)
	if err != nil {
		// Metadata is best-effort; the unaugmented response is still valid.
		return resp
	}
	return out
}

func (i *EnforcementInterceptor) recordFeedback(agentID string, permitted bool) {
	if i.feedback != nil {
		i.feedback.RecordOutcome(agentID, permitted)
	}
}

// transformingOnly filters out request-time admission constraints.
func transformingOnly(specs []decision.ConstraintSpec) []decision.ConstraintSpec {
	out := make([]decision.ConstraintSpec, 0, len(specs))
	for _, s := range specs {
		if strings.HasPrefix(s.Kind, decision.ConstraintRateLimit) ||
			strings.HasPrefix(s.Kind, decision.ConstraintGeoRestrict) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// suggestionsFor derives actionable hints from a denial.
func suggestionsFor(d decision.Decision) []string {
	if d.Outcome == decision.NotApplicable {
		return []string{"no policy covers this request; ask an administrator to define one"}
	}
	if strings.Contains(d.Reason, "timeOfDay") {
		return []string{"retry during the permitted time window"}
	}
	return nil
}

// resultObject parses a response's result member as a JSON object.
// Returns nil for error responses and non-object results.
func resultObject(resp *mcp.Message) map[string]any {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(resp.Raw, &envelope); err != nil || len(envelope.Result) == 0 {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(envelope.Result, &payload); err != nil {
		return nil
	}
	return payload
}

// replaceResult rebuilds a response message with a new result object,
// preserving the correlation ID.
func replaceResult(resp *mcp.Message, payload map[string]any) (*mcp.Message, error) {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(resp.Raw, &envelope)

	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      envelope.ID,
		"result":  payload,
	})
	if err != nil {
		return nil, err
	}
	return &mcp.Message{
		Raw:       raw,
		Direction: mcp.ServerToClient,
		Timestamp: time.Now(),
	}, nil
}

// summarizeResponse renders a compact upstream-response summary for the
// audit entry.
func summarizeResponse(resp *mcp.Message) string {
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Raw, &envelope); err != nil {
		return "unparseable response"
	}
	if envelope.Error != nil {
		return "error " + envelope.Error.Message
	}
	if len(envelope.Result) > 64 {
		return fmt.Sprintf("result (%d bytes)", len(envelope.Result))
	}
	return "result " + string(envelope.Result)
}
