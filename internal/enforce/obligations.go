package enforce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aegis-gateway/aegis/internal/domain/audit"
	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

// ObligationExecutor performs the action a descriptor demands.
// Sync executors run before the response is returned; async executors
// are enqueued onto the registry's worker pool and their failures are
// recorded but never affect the response. A critical executor's failure
// degrades the request to FAILURE and suppresses the response.
type ObligationExecutor interface {
	// Prefixes lists the descriptor kind prefixes this executor handles.
	Prefixes() []string
	// Sync reports whether the executor must complete pre-response.
	Sync() bool
	// Critical reports whether a failure suppresses the response.
	// Only meaningful for sync executors.
	Critical() bool
	Execute(ctx context.Context, spec decision.ObligationSpec, dctx *decision.Context) error
}

// CriticalObligationError reports a failed critical obligation.
type CriticalObligationError struct {
	Kind string
	Err  error
}

func (e *CriticalObligationError) Error() string {
	return fmt.Sprintf("critical obligation %q failed: %v", e.Kind, e.Err)
}

func (e *CriticalObligationError) Unwrap() error { return e.Err }

type obligationTask struct {
	exec ObligationExecutor
	spec decision.ObligationSpec
	dctx *decision.Context
	rec  *audit.Record
}

// ObligationRegistry dispatches obligation descriptors to executors and
// owns the background worker pool async executors run on. Workers are
// supervised: a failure is logged and recorded, never silent.
type ObligationRegistry struct {
	mu        sync.RWMutex
	executors map[string]ObligationExecutor
	executed  map[string]uint64
	failed    map[string]uint64

	tasks   chan obligationTask
	wg      sync.WaitGroup
	queueMu sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

// NewObligationRegistry creates the registry and starts its worker pool.
func NewObligationRegistry(workers, queueSize int, logger *slog.Logger) *ObligationRegistry {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &ObligationRegistry{
		executors: make(map[string]ObligationExecutor),
		executed:  make(map[string]uint64),
		failed:    make(map[string]uint64),
		tasks:     make(chan obligationTask, queueSize),
		logger:    logger.With("component", "obligation_registry"),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Register binds an executor under each of its declared prefixes.
func (r *ObligationRegistry) Register(e ObligationExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, prefix := range e.Prefixes() {
		r.executors[prefix] = e
	}
}

// Unregister removes the binding for a prefix.
func (r *ObligationRegistry) Unregister(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executors, prefix)
}

// Execute runs the descriptors: sync executors inline in listed order,
// async executors enqueued onto the pool. The returned error is non-nil
// only when a critical sync executor failed; every other failure is
// logged, recorded, and swallowed.
func (r *ObligationRegistry) Execute(ctx context.Context, specs []decision.ObligationSpec, dctx *decision.Context) error {
	rec := audit.RecordFromContext(ctx)
	for _, spec := range specs {
		exec := r.lookup(spec.Kind)
		if exec == nil {
			r.logger.Warn("no executor for obligation", "kind", spec.Kind)
			if rec != nil {
				rec.AddObligation(audit.ObligationResult{
					Kind: spec.Kind, OK: false, Error: "no executor registered",
				})
			}
			continue
		}

		if !exec.Sync() {
			r.enqueue(obligationTask{exec: exec, spec: spec, dctx: dctx, rec: rec})
			continue
		}

		err := exec.Execute(ctx, spec, dctx)
		r.count(spec.Kind, err == nil)
		if rec != nil {
			res := audit.ObligationResult{Kind: spec.Kind, OK: err == nil}
			if err != nil {
				res.Error = err.Error()
			}
			rec.AddObligation(res)
		}
		if err != nil {
			if exec.Critical() {
				if rec != nil {
					rec.SetOutcome(audit.OutcomeFailure)
				}
				return &CriticalObligationError{Kind: spec.Kind, Err: err}
			}
			r.logger.Warn("obligation failed", "kind", spec.Kind, "error", err)
		}
	}
	return nil
}

// enqueue hands a task to the pool, dropping with a log line when the
// queue is full or the registry is closing. Obligations never block the
// response path.
func (r *ObligationRegistry) enqueue(t obligationTask) {
	r.queueMu.RLock()
	defer r.queueMu.RUnlock()
	if r.closed {
		r.logger.Warn("obligation dropped, registry closing", "kind", t.spec.Kind)
		return
	}
	select {
	case r.tasks <- t:
	default:
		r.logger.Warn("obligation dropped, queue full", "kind", t.spec.Kind)
		if t.rec != nil {
			t.rec.AddObligation(audit.ObligationResult{
				Kind: t.spec.Kind, OK: false, Async: true, Error: "queue full",
			})
		}
	}
}

func (r *ObligationRegistry) worker() {
	defer r.wg.Done()
	for t := range r.tasks {
		// The request context is gone by the time async work runs.
		err := t.exec.Execute(context.Background(), t.spec, t.dctx)
		r.count(t.spec.Kind, err == nil)
		if t.rec != nil {
			res := audit.ObligationResult{Kind: t.spec.Kind, OK: err == nil, Async: true}
			if err != nil {
				res.Error = err.Error()
			}
			t.rec.AddObligation(res)
		}
		if err != nil {
			r.logger.Warn("async obligation failed", "kind", t.spec.Kind, "error", err)
		}
	}
}

func (r *ObligationRegistry) count(kind string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.executed[kind]++
	} else {
		r.failed[kind]++
	}
}

// ObligationStats reports registry activity per descriptor kind.
type ObligationStats struct {
	Executed map[string]uint64 `json:"executed"`
	Failed   map[string]uint64 `json:"failed"`
}

// Stats snapshots per-kind execution counts.
func (r *ObligationRegistry) Stats() ObligationStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := ObligationStats{
		Executed: make(map[string]uint64, len(r.executed)),
		Failed:   make(map[string]uint64, len(r.failed)),
	}
	for k, v := range r.executed {
		s.Executed[k] = v
	}
	for k, v := range r.failed {
		s.Failed[k] = v
	}
	return s
}

// UpdateConfig forwards new configuration to the executor registered
// under prefix.
func (r *ObligationRegistry) UpdateConfig(prefix string, params map[string]any) error {
	r.mu.RLock()
	e, ok := r.executors[prefix]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no executor registered for %q", prefix)
	}
	c, ok := e.(Configurable)
	if !ok {
		return fmt.Errorf("executor for %q is not configurable", prefix)
	}
	return c.UpdateConfig(params)
}

// lookup resolves a kind by longest matching prefix.
func (r *ObligationRegistry) lookup(kind string) ObligationExecutor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.executors[kind]; ok {
		return e
	}
	var best string
	var found ObligationExecutor
	for prefix, e := range r.executors {
		if strings.HasPrefix(kind, prefix) && len(prefix) > len(best) {
			best = prefix
			found = e
		}
	}
	return found
}

// Close stops accepting async work and waits for queued tasks to drain.
func (r *ObligationRegistry) Close() {
	r.queueMu.Lock()
	if !r.closed {
		r.closed = true
		close(r.tasks)
	}
	r.queueMu.Unlock()
	r.wg.Wait()
}
