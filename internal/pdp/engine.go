// Package pdp implements the hybrid policy decision point: per policy,
// a structured rule pass first, then the LLM judge for natural-language
// text, combined across policies by a conflict-resolution strategy. The
// engine never returns an error to signal denial; every failure mode
// collapses to a decision whose outcome downstream treats as DENY.
package pdp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegis-gateway/aegis/internal/cache"
	"github.com/aegis-gateway/aegis/internal/domain/decision"
	"github.com/aegis-gateway/aegis/internal/domain/policy"
	"github.com/aegis-gateway/aegis/internal/pdp/ruleeval"
	"github.com/aegis-gateway/aegis/internal/port/outbound"
)

// Options configures the engine.
type Options struct {
	// Rules runs the structured pass. Required.
	Rules *ruleeval.Evaluator
	// Judge evaluates natural-language policy text. Nil disables the
	// LLM pass; text-only policies then yield INDETERMINATE.
	Judge outbound.LLMJudge
	// Cache short-circuits repeated decisions. Nil disables caching.
	Cache *cache.DecisionCache
	// ConfidenceThreshold gates LLM outcomes; below it the outcome is
	// replaced with INDETERMINATE. Defaults to 0.7.
	ConfidenceThreshold float64
	// Strategy combines outcomes from multiple policies.
	Strategy decision.ConflictStrategy
	// Timeout bounds one decision. Defaults to 5 s.
	Timeout time.Duration
	// Logger is required.
	Logger *slog.Logger
}

// Engine is the hybrid decision engine.
type Engine struct {
	rules     *ruleeval.Evaluator
	judge     outbound.LLMJudge
	cache     *cache.DecisionCache
	threshold float64
	strategy  decision.ConflictStrategy
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates an engine.
func New(opts Options) *Engine {
	threshold := opts.ConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	strategy := opts.Strategy
	if !strategy.Valid() {
		strategy = decision.StrategyPriority
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Engine{
		rules:     opts.Rules,
		judge:     opts.Judge,
		cache:     opts.Cache,
		threshold: threshold,
		strategy:  strategy,
		timeout:   timeout,
		logger:    opts.Logger.With("component", "pdp"),
	}
}

// Decide evaluates the context against the selected policies (already
// ordered by descending priority) and returns a single decision. The
// decision deadline applies to the whole evaluation including LLM calls;
// exceeding it yields INDETERMINATE.
func (e *Engine) Decide(ctx context.Context, dctx *decision.Context, policies []*policy.Policy) decision.Decision {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var d decision.Decision
	if e.cache != nil {
		cached, err := e.cache.GetOrCompute(ctx, dctx, policies, func(cctx context.Context) (decision.Decision, error) {
			return e.evaluate(cctx, dctx, policies), nil
		})
		if err != nil {
			// GetOrCompute only propagates compute errors, which evaluate
			// never returns; treat defensively as an indeterminate decision.
			d = indeterminate(fmt.Sprintf("decision pipeline failed: %v", err))
		} else {
			d = cached
		}
	} else {
		d = e.evaluate(ctx, dctx, policies)
	}

	if d.Metadata.Engine != decision.EngineCache {
		d.Metadata.ProcessingMs = time.Since(start).Milliseconds()
	}
	e.logger.Debug("decision computed",
		"outcome", d.Outcome,
		"engine", d.Metadata.Engine,
		"policy_id", d.Metadata.PolicyID,
		"confidence", d.Confidence,
		"elapsed_ms", time.Since(start).Milliseconds())
	return d
}

// evaluate runs the per-policy passes and conflict resolution.
func (e *Engine) evaluate(ctx context.Context, dctx *decision.Context, policies []*policy.Policy) decision.Decision {
	var contribs []decision.Contribution
	var nearMiss *decision.Contribution

	for i, pol := range policies {
		if ctx.Err() != nil {
			return timedOut("decision deadline exceeded")
		}

		contrib, miss := e.evaluatePolicy(ctx, pol, dctx)
		if contrib != nil {
			contrib.Order = i
			contribs = append(contribs, *contrib)
			continue
		}
		if miss != nil && nearMiss == nil {
			miss.Order = i
			nearMiss = miss
		}
	}

	if len(contribs) == 0 {
		// A rule matched the request but its constraints failed: that is
		// a denial citing the constraint, not a policy gap.
		if nearMiss != nil {
			return nearMiss.Decision
		}
		return decision.Resolve(e.strategy, nil)
	}
	return decision.Resolve(e.strategy, contribs)
}

// evaluatePolicy runs the structured pass and, when it is inconclusive,
// the LLM pass for one policy. Returns the policy's contribution, or a
// near-miss denial when rules matched but constraints failed and no
// other path produced an outcome.
func (e *Engine) evaluatePolicy(ctx context.Context, pol *policy.Policy, dctx *decision.Context) (contrib, nearMiss *decision.Contribution) {
	res := e.rules.Evaluate(ctx, pol, dctx)
	if res.Decided() {
		d := decision.Decision{
			Outcome:     res.Outcome,
			Reason:      res.Reason,
			Confidence:  1.0,
			Obligations: res.Obligations,
			Metadata: decision.Metadata{
				PolicyID:      pol.ID,
				PolicyVersion: pol.Version,
				Engine:        decision.EngineStructured,
			},
		}
		return contributionOf(pol, d), nil
	}

	if res.Matched {
		nearMiss = contributionOf(pol, decision.Decision{
			Outcome:    decision.Deny,
			Reason:     res.Reason,
			Confidence: 1.0,
			Metadata: decision.Metadata{
				PolicyID:      pol.ID,
				PolicyVersion: pol.Version,
				Engine:        decision.EngineStructured,
			},
		})
	}

	if !pol.HasText() {
		return nil, nearMiss
	}
	if e.judge == nil {
		e.logger.Warn("policy has text but no LLM judge is configured", "policy_id", pol.ID)
		return nil, nearMiss
	}

	judgment, err := e.judge.Judge(ctx, pol, dctx)
	if err != nil {
		e.logger.Warn("llm judgment failed", "policy_id", pol.ID, "error", err)
		return contributionOf(pol, decision.Decision{
			Outcome:    decision.Indeterminate,
			Reason:     fmt.Sprintf("language-model judgment unavailable: %v", err),
			Confidence: 0,
			Metadata: decision.Metadata{
				PolicyID:      pol.ID,
				PolicyVersion: pol.Version,
				Engine:        decision.EngineLLM,
				TimedOut:      ctx.Err() != nil,
			},
		}), nearMiss
	}
	if judgment.Outcome == decision.NotApplicable {
		return nil, nearMiss
	}

	d := decision.Decision{
		Outcome:     judgment.Outcome,
		Reason:      judgment.Reason,
		Confidence:  judgment.Confidence,
		Constraints: judgment.Constraints,
		Obligations: judgment.Obligations,
		Metadata: decision.Metadata{
			PolicyID:         pol.ID,
			PolicyVersion:    pol.Version,
			Engine:           decision.EngineLLM,
			Model:            judgment.Model,
			Attempts:         judgment.Attempts,
			PromptTokens:     judgment.PromptTokens,
			CompletionTokens: judgment.CompletionTokens,
		},
	}

	// Confidence gate: a shaky PERMIT or DENY becomes INDETERMINATE so
	// enforcement fails closed, but the model's reasoning is preserved
	// and the public reason distinguishes the gate from a rule denial.
	if d.Outcome != decision.Indeterminate && d.Confidence < e.threshold {
		d.Reason = fmt.Sprintf("confidence %.2f below threshold %.2f: %s",
			d.Confidence, e.threshold, d.Reason)
		d.Outcome = decision.Indeterminate
		d.Constraints = nil
		d.Obligations = nil
	}
	return contributionOf(pol, d), nearMiss
}

func contributionOf(pol *policy.Policy, d decision.Decision) *decision.Contribution {
	return &decision.Contribution{
		PolicyID:      pol.ID,
		PolicyVersion: pol.Version,
		Priority:      pol.Priority,
		Decision:      d,
	}
}

func indeterminate(reason string) decision.Decision {
	return decision.Decision{
		Outcome:    decision.Indeterminate,
		Reason:     reason,
		Confidence: 0,
		Metadata:   decision.Metadata{Engine: decision.EngineStructured},
	}
}

// timedOut synthesizes the decision for an exhausted decision deadline.
func timedOut(reason string) decision.Decision {
	d := indeterminate(reason)
	d.Metadata.TimedOut = true
	return d
}
