// Package pip implements the policy information point: pluggable
// enrichers that add attributes to the decision context before the PDP
// runs. Enrichers run in parallel, each under its own deadline, and a
// failing enricher only costs its own attributes.
package pip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

// Enricher contributes one namespace of attributes to a decision
// context. Enrichers must not mutate the context they receive; they
// return their attributes and the registry merges them.
type Enricher interface {
	// Name is the attribute namespace this enricher owns.
	Name() string
	// Enrich computes attributes for the request.
	Enrich(ctx context.Context, dctx *decision.Context) (map[string]any, error)
}

// Registry fans requests out to all registered enrichers.
type Registry struct {
	mu        sync.RWMutex
	enrichers []Enricher
	timeout   time.Duration
	logger    *slog.Logger
}

// NewRegistry creates a registry with a per-enricher timeout.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{
		timeout: timeout,
		logger:  logger.With("component", "pip"),
	}
}

// Register adds an enricher. Later registrations with the same name do
// not replace earlier ones; both run, last write wins on the namespace.
func (r *Registry) Register(e Enricher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enrichers = append(r.enrichers, e)
}

// Enrich runs every enricher in parallel and merges their attribute
// bags into dctx. Individual failures and timeouts are logged and
// swallowed: a missing attribute resolves as undefined downstream,
// which is the intended failure mode.
func (r *Registry) Enrich(ctx context.Context, dctx *decision.Context) {
	r.mu.RLock()
	enrichers := make([]Enricher, len(r.enrichers))
	copy(enrichers, r.enrichers)
	r.mu.RUnlock()

	if len(enrichers) == 0 {
		return
	}

	type result struct {
		name string
		bag  map[string]any
	}
	results := make([]result, len(enrichers))
	frozen := dctx.Clone()

	g, gctx := errgroup.WithContext(ctx)
	for i, e := range enrichers {
		g.Go(func() error {
			ectx, cancel := context.WithTimeout(gctx, r.timeout)
			defer cancel()

			start := time.Now()
			bag, err := e.Enrich(ectx, &frozen)
			if err != nil {
				r.logger.Warn("enricher failed",
					"enricher", e.Name(), "error", err,
					"elapsed", time.Since(start))
				return nil
			}
			results[i] = result{name: e.Name(), bag: bag}
			return nil
		})
	}
	// Enricher errors are swallowed above; Wait only synchronizes.
	_ = g.Wait()

	for _, res := range results {
		for k, v := range res.bag {
			dctx.SetAttribute(res.name, k, v)
		}
	}
}
