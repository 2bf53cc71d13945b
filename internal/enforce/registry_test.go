package enforce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/aegis-gateway/aegis/internal/domain/audit"
	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// appendingProcessor records application order in a shared slice.
type appendingProcessor struct {
	prefix string
	order  *[]string
	mu     *sync.Mutex
	err    error
}

func (p *appendingProcessor) Prefixes() []string { return []string{p.prefix} }

func (p *appendingProcessor) Apply(_ context.Context, spec decision.ConstraintSpec, payload map[string]any, _ *decision.Context) (map[string]any, error) {
	p.mu.Lock()
	*p.order = append(*p.order, spec.Kind)
	p.mu.Unlock()
	return payload, p.err
}

func TestConstraintsApplyInListedOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	reg := NewConstraintRegistry(testLogger())
	reg.Register(&appendingProcessor{prefix: "first", order: &order, mu: &mu})
	reg.Register(&appendingProcessor{prefix: "second", order: &order, mu: &mu})

	specs := []decision.ConstraintSpec{
		{Kind: "second"},
		{Kind: "first"},
		{Kind: "second"},
	}
	if _, err := reg.Apply(context.Background(), specs, map[string]any{}, &decision.Context{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := []string{"second", "first", "second"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestUnknownConstraintFailsClosed(t *testing.T) {
	reg := NewConstraintRegistry(testLogger())
	_, err := reg.Apply(context.Background(),
		[]decision.ConstraintSpec{{Kind: "never-registered"}},
		map[string]any{}, &decision.Context{})

	var ce *ConstraintError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConstraintError", err)
	}
	if ce.Kind != "never-registered" {
		t.Errorf("kind = %q", ce.Kind)
	}
}

func TestConstraintFailureRecordedInAudit(t *testing.T) {
	var mu sync.Mutex
	var order []string
	reg := NewConstraintRegistry(testLogger())
	reg.Register(&appendingProcessor{prefix: "boom", order: &order, mu: &mu, err: fmt.Errorf("nope")})

	rec := audit.NewRecord(time.Now())
	ctx := audit.ContextWithRecord(context.Background(), rec)
	if _, err := reg.Apply(ctx, []decision.ConstraintSpec{{Kind: "boom"}}, nil, &decision.Context{}); err == nil {
		t.Fatal("failure swallowed")
	}

	entry := rec.Entry("e1")
	if len(entry.Constraints) != 1 || entry.Constraints[0].OK {
		t.Errorf("constraints = %+v, want one failed result", entry.Constraints)
	}
}

func TestPrefixDispatch(t *testing.T) {
	var mu sync.Mutex
	var order []string
	reg := NewConstraintRegistry(testLogger())
	reg.Register(&appendingProcessor{prefix: "anonymize", order: &order, mu: &mu})

	if _, err := reg.Apply(context.Background(),
		[]decision.ConstraintSpec{{Kind: "anonymize:gdpr"}},
		map[string]any{}, &decision.Context{}); err != nil {
		t.Fatalf("prefixed kind not dispatched: %v", err)
	}
	if len(order) != 1 {
		t.Errorf("applications = %v", order)
	}
}

func TestConstraintStatsCountApplications(t *testing.T) {
	var mu sync.Mutex
	var order []string
	reg := NewConstraintRegistry(testLogger())
	reg.Register(&appendingProcessor{prefix: "ok", order: &order, mu: &mu})
	reg.Register(&appendingProcessor{prefix: "bad", order: &order, mu: &mu, err: fmt.Errorf("nope")})

	_, _ = reg.Apply(context.Background(), []decision.ConstraintSpec{{Kind: "ok"}}, nil, &decision.Context{})
	_, _ = reg.Apply(context.Background(), []decision.ConstraintSpec{{Kind: "ok"}}, nil, &decision.Context{})
	_, _ = reg.Apply(context.Background(), []decision.ConstraintSpec{{Kind: "bad"}}, nil, &decision.Context{})

	stats := reg.Stats()
	if stats.Applied["ok"] != 2 || stats.Failed["bad"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRegistryUpdateConfig(t *testing.T) {
	reg := NewConstraintRegistry(testLogger())
	limiter := NewRateLimiter()
	reg.Register(limiter)

	if err := reg.UpdateConfig(decision.ConstraintRateLimit, map[string]any{"limit": 5}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	// A descriptor with no explicit limit now inherits the default.
	spec := decision.ConstraintSpec{Kind: decision.ConstraintRateLimit, Params: map[string]any{}}
	if _, err := limiter.Apply(context.Background(), spec, nil, &decision.Context{AgentID: "a"}); err != nil {
		t.Errorf("Apply with configured default: %v", err)
	}

	if err := reg.UpdateConfig("no-such-prefix", nil); err == nil {
		t.Error("UpdateConfig accepted an unknown prefix")
	}

	var mu sync.Mutex
	var order []string
	reg.Register(&appendingProcessor{prefix: "plain", order: &order, mu: &mu})
	if err := reg.UpdateConfig("plain", nil); err == nil {
		t.Error("UpdateConfig accepted a non-configurable processor")
	}
}

// stubExecutor is a configurable obligation executor.
type stubExecutor struct {
	prefix   string
	sync     bool
	critical bool
	err      error
	done     chan string
}

func (e *stubExecutor) Prefixes() []string { return []string{e.prefix} }
func (e *stubExecutor) Sync() bool         { return e.sync }
func (e *stubExecutor) Critical() bool     { return e.critical }

func (e *stubExecutor) Execute(_ context.Context, spec decision.ObligationSpec, _ *decision.Context) error {
	if e.done != nil {
		e.done <- spec.Kind
	}
	return e.err
}

func TestCriticalObligationFailureSurfaces(t *testing.T) {
	reg := NewObligationRegistry(1, 8, testLogger())
	defer reg.Close()
	reg.Register(&stubExecutor{prefix: "audit-log", sync: true, critical: true, err: fmt.Errorf("disk full")})

	rec := audit.NewRecord(time.Now())
	ctx := audit.ContextWithRecord(context.Background(), rec)
	err := reg.Execute(ctx, []decision.ObligationSpec{{Kind: "audit-log"}}, &decision.Context{})

	var coe *CriticalObligationError
	if !errors.As(err, &coe) {
		t.Fatalf("err = %v, want CriticalObligationError", err)
	}
	if entry := rec.Entry("e1"); entry.Outcome != audit.OutcomeFailure {
		t.Errorf("outcome = %s, want FAILURE", entry.Outcome)
	}
}

func TestNonCriticalSyncFailureSwallowed(t *testing.T) {
	reg := NewObligationRegistry(1, 8, testLogger())
	defer reg.Close()
	reg.Register(&stubExecutor{prefix: "notify", sync: true, critical: false, err: fmt.Errorf("relay down")})

	if err := reg.Execute(context.Background(), []decision.ObligationSpec{{Kind: "notify"}}, &decision.Context{}); err != nil {
		t.Errorf("non-critical failure surfaced: %v", err)
	}
}

func TestObligationStatsCountExecutions(t *testing.T) {
	reg := NewObligationRegistry(1, 8, testLogger())
	defer reg.Close()
	reg.Register(&stubExecutor{prefix: "notify", sync: true})
	reg.Register(&stubExecutor{prefix: "flaky", sync: true, err: fmt.Errorf("down")})

	_ = reg.Execute(context.Background(), []decision.ObligationSpec{{Kind: "notify"}, {Kind: "flaky"}}, &decision.Context{})

	stats := reg.Stats()
	if stats.Executed["notify"] != 1 || stats.Failed["flaky"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAsyncObligationRunsOnPool(t *testing.T) {
	done := make(chan string, 1)
	reg := NewObligationRegistry(2, 8, testLogger())
	defer reg.Close()
	reg.Register(&stubExecutor{prefix: "notify", done: done})

	if err := reg.Execute(context.Background(), []decision.ObligationSpec{{Kind: "notify"}}, &decision.Context{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	select {
	case kind := <-done:
		if kind != "notify" {
			t.Errorf("executed %q", kind)
		}
	case <-time.After(time.Second):
		t.Fatal("async obligation never ran")
	}
}

func TestCloseDrainsQueuedObligations(t *testing.T) {
	done := make(chan string, 4)
	reg := NewObligationRegistry(1, 8, testLogger())
	reg.Register(&stubExecutor{prefix: "notify", done: done})

	specs := []decision.ObligationSpec{{Kind: "notify"}, {Kind: "notify"}, {Kind: "notify"}}
	if err := reg.Execute(context.Background(), specs, &decision.Context{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	reg.Close()
	if got := len(done); got != 3 {
		t.Errorf("drained %d obligations, want 3", got)
	}
}

func TestAuditLogExecutorRaisesDetail(t *testing.T) {
	exec := NewAuditLogExecutor()
	rec := audit.NewRecord(time.Now())
	ctx := audit.ContextWithRecord(context.Background(), rec)

	spec := decision.ObligationSpec{
		Kind:   decision.ObligationAuditLog,
		Params: map[string]any{"level": "full"},
	}
	if err := exec.Execute(ctx, spec, &decision.Context{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if entry := rec.Entry("e1"); entry.Detail != audit.DetailFull {
		t.Errorf("detail = %s, want full", entry.Detail)
	}
}

func TestLifecycleSchedulesAction(t *testing.T) {
	performed := make(chan string, 1)
	hook := lifecycleHookFunc(func(_ context.Context, action, resource string) error {
		performed <- action + ":" + resource
		return nil
	})
	exec := NewLifecycleExecutor(hook, testLogger())
	defer exec.Close()

	spec := decision.ObligationSpec{
		Kind:   decision.ObligationLifecycle,
		Params: map[string]any{"action": "delete", "afterMs": 1},
	}
	if err := exec.Execute(context.Background(), spec, &decision.Context{Resource: "fs__tmp"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	select {
	case got := <-performed:
		if got != "delete:fs__tmp" {
			t.Errorf("performed %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduled action never ran")
	}
}

type lifecycleHookFunc func(ctx context.Context, action, resource string) error

func (f lifecycleHookFunc) Perform(ctx context.Context, action, resource string) error {
	return f(ctx, action, resource)
}
