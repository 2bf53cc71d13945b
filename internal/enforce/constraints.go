// Package enforce implements the enforcement half of the PEP: the
// constraint processors that transform permitted payloads, the
// obligation executors that perform follow-up actions, and the two
// registries dispatching descriptors to them by kind prefix.
package enforce

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/domain/audit"
	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

// ConstraintProcessor transforms a payload according to one constraint
// descriptor. Processors declare the kind prefixes they handle and must
// be safe for concurrent use.
type ConstraintProcessor interface {
	// Prefixes lists the descriptor kind prefixes this processor handles.
	Prefixes() []string
	// Apply returns the transformed payload. A nil payload (requests
	// without arguments) is passed through to the processor so admission
	// checks like rate limits still run.
	Apply(ctx context.Context, spec decision.ConstraintSpec, payload map[string]any, dctx *decision.Context) (map[string]any, error)
}

// Configurable is implemented by processors and executors that accept
// runtime configuration updates through their registry.
type Configurable interface {
	UpdateConfig(params map[string]any) error
}

// ConstraintError wraps a processor failure with the descriptor kind.
// Enforcement treats any constraint failure as a denial.
type ConstraintError struct {
	Kind string
	Err  error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint %q failed: %v", e.Kind, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

// ConstraintStats reports registry activity per descriptor kind.
type ConstraintStats struct {
	Applied map[string]uint64 `json:"applied"`
	Failed  map[string]uint64 `json:"failed"`
}

// ConstraintRegistry dispatches constraint descriptors to processors by
// longest matching kind prefix. Registration is expected at startup but
// supported at runtime for extension processors.
type ConstraintRegistry struct {
	mu         sync.RWMutex
	processors map[string]ConstraintProcessor
	applied    map[string]uint64
	failed     map[string]uint64
	logger     *slog.Logger
}

// NewConstraintRegistry creates an empty registry.
func NewConstraintRegistry(logger *slog.Logger) *ConstraintRegistry {
	return &ConstraintRegistry{
		processors: make(map[string]ConstraintProcessor),
		applied:    make(map[string]uint64),
		failed:     make(map[string]uint64),
		logger:     logger.With("component", "constraint_registry"),
	}
}

// Register binds a processor under each of its declared prefixes,
// replacing any previous holder.
func (r *ConstraintRegistry) Register(p ConstraintProcessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, prefix := range p.Prefixes() {
		r.processors[prefix] = p
	}
}

// Unregister removes the binding for a prefix.
func (r *ConstraintRegistry) Unregister(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processors, prefix)
}

// Apply runs the descriptors against the payload in listed order. The
// ordering is load-bearing: anonymization must precede checks that read
// the payload. The first failure aborts; enforcement denies the request.
// Each application is reported to the request's audit record.
func (r *ConstraintRegistry) Apply(
	ctx context.Context,
	specs []decision.ConstraintSpec,
	payload map[string]any,
	dctx *decision.Context,
) (map[string]any, error) {
	rec := audit.RecordFromContext(ctx)
	for _, spec := range specs {
		p := r.lookup(spec.Kind)
		start := time.Now()
		if p == nil {
			// An unenforceable constraint fails closed.
			err := &ConstraintError{Kind: spec.Kind, Err: fmt.Errorf("no processor registered")}
			r.count(spec.Kind, false)
			if rec != nil {
				rec.AddConstraint(audit.ConstraintResult{
					Kind: spec.Kind, OK: false, Error: err.Error(),
					DurationMs: time.Since(start).Milliseconds(),
				})
			}
			return nil, err
		}

		out, err := p.Apply(ctx, spec, payload, dctx)
		if rec != nil {
			res := audit.ConstraintResult{
				Kind: spec.Kind, OK: err == nil,
				DurationMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				res.Error = err.Error()
			}
			rec.AddConstraint(res)
		}
		if err != nil {
			r.count(spec.Kind, false)
			return nil, &ConstraintError{Kind: spec.Kind, Err: err}
		}
		r.count(spec.Kind, true)
		payload = out
	}
	return payload, nil
}

// lookup resolves a kind to its processor by longest matching prefix.
func (r *ConstraintRegistry) lookup(kind string) ConstraintProcessor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.processors[kind]; ok {
		return p
	}
	var best string
	var found ConstraintProcessor
	for prefix, p := range r.processors {
		if strings.HasPrefix(kind, prefix) && len(prefix) > len(best) {
			best = prefix
			found = p
		}
	}
	return found
}

func (r *ConstraintRegistry) count(kind string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.applied[kind]++
	} else {
		r.failed[kind]++
	}
}

// Prefixes returns the registered prefixes, sorted.
func (r *ConstraintRegistry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.processors))
	for prefix := range r.processors {
		out = append(out, prefix)
	}
	sort.Strings(out)
	return out
}

// UpdateConfig forwards new configuration to the processor registered
// under prefix. Fails when the prefix is unknown or the processor does
// not accept runtime configuration.
func (r *ConstraintRegistry) UpdateConfig(prefix string, params map[string]any) error {
	r.mu.RLock()
	p, ok := r.processors[prefix]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no processor registered for %q", prefix)
	}
	c, ok := p.(Configurable)
	if !ok {
		return fmt.Errorf("processor for %q is not configurable", prefix)
	}
	return c.UpdateConfig(params)
}

// Stats snapshots per-kind application counts.
func (r *ConstraintRegistry) Stats() ConstraintStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := ConstraintStats{
		Applied: make(map[string]uint64, len(r.applied)),
		Failed:  make(map[string]uint64, len(r.failed)),
	}
	for k, v := range r.applied {
		s.Applied[k] = v
	}
	for k, v := range r.failed {
		s.Failed[k] = v
	}
	return s
}
