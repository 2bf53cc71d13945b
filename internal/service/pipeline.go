// Package service wires the domain layers together: the decision
// pipeline behind the enforcement interceptor, upstream connection
// management, tool discovery, the audit writer, and the proxy loops the
// inbound transports drive.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aegis-gateway/aegis/internal/domain/audit"
	"github.com/aegis-gateway/aegis/internal/domain/decision"
	"github.com/aegis-gateway/aegis/internal/domain/policy"
	"github.com/aegis-gateway/aegis/internal/metrics"
	"github.com/aegis-gateway/aegis/internal/pap"
	"github.com/aegis-gateway/aegis/internal/pdp"
	"github.com/aegis-gateway/aegis/internal/pip"
)

// PolicySelector narrows the active policy set to those applicable to a
// request. Satisfied by *pap.Service.
type PolicySelector interface {
	SelectApplicable(ctx context.Context, agent, action, resource string) ([]*policy.Policy, error)
}

var _ PolicySelector = (*pap.Service)(nil)

// DecisionPipeline runs enrichment, policy selection, and the decision
// engine for one request. It implements proxy.DecisionPipeline.
type DecisionPipeline struct {
	enrichers *pip.Registry
	selector  PolicySelector
	engine    *pdp.Engine
	tracer    trace.Tracer
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewDecisionPipeline creates the pipeline.
func NewDecisionPipeline(enrichers *pip.Registry, selector PolicySelector, engine *pdp.Engine, logger *slog.Logger) *DecisionPipeline {
	return &DecisionPipeline{
		enrichers: enrichers,
		selector:  selector,
		engine:    engine,
		tracer:    otel.Tracer("aegis/pipeline"),
		logger:    logger.With("component", "decision_pipeline"),
	}
}

// SetMetrics installs the metrics sink. Must be called before the
// pipeline starts serving requests.
func (p *DecisionPipeline) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// Evaluate produces the decision and the snapshot of the winning policy.
func (p *DecisionPipeline) Evaluate(ctx context.Context, dctx *decision.Context) (decision.Decision, audit.PolicySnapshot, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.evaluate", trace.WithAttributes(
		attribute.String("agent.id", dctx.AgentID),
		attribute.String("request.action", dctx.Action),
		attribute.String("request.resource", dctx.Resource),
	))
	defer span.End()

	_, enrichSpan := p.tracer.Start(ctx, "pip.enrich")
	p.enrichers.Enrich(ctx, dctx)
	enrichSpan.End()

	_, selectSpan := p.tracer.Start(ctx, "pap.select")
	policies, err := p.selector.SelectApplicable(ctx, dctx.AgentID, dctx.Action, dctx.Resource)
	selectSpan.End()
	if err != nil {
		return decision.Decision{}, audit.PolicySnapshot{}, fmt.Errorf("selecting policies: %w", err)
	}

	decideCtx, decideSpan := p.tracer.Start(ctx, "pdp.decide", trace.WithAttributes(
		attribute.Int("policies.count", len(policies)),
	))
	started := time.Now()
	d := p.engine.Decide(decideCtx, dctx, policies)
	if p.metrics != nil {
		p.metrics.ObserveDecision(string(d.Outcome), string(d.Metadata.Engine), time.Since(started))
	}
	decideSpan.SetAttributes(
		attribute.String("decision.outcome", string(d.Outcome)),
		attribute.String("decision.engine", string(d.Metadata.Engine)),
	)
	decideSpan.End()

	return d, snapshotFor(d, policies), nil
}

// snapshotFor pins the winning policy's state at decision time.
func snapshotFor(d decision.Decision, policies []*policy.Policy) audit.PolicySnapshot {
	if d.Metadata.PolicyID == "" {
		return audit.PolicySnapshot{}
	}
	for _, pol := range policies {
		if pol.ID == d.Metadata.PolicyID {
			return audit.PolicySnapshot{
				ID:      pol.ID,
				Version: pol.Version,
				Name:    pol.Name,
				Text:    pol.Text,
			}
		}
	}
	return audit.PolicySnapshot{ID: d.Metadata.PolicyID, Version: d.Metadata.PolicyVersion}
}
