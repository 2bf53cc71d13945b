package cache

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
	"github.com/aegis-gateway/aegis/internal/domain/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(agent, action, resource string) *decision.Context {
	return &decision.Context{
		RequestID: "req-1",
		AgentID:   agent,
		Action:    action,
		Resource:  resource,
		Timestamp: time.Date(2026, 3, 14, 10, 30, 12, 0, time.UTC),
	}
}

func testPolicies() []*policy.Policy {
	return []*policy.Policy{
		{ID: "pol-a", Version: "1.2.0"},
		{ID: "pol-b", Version: "2.0.0"},
	}
}

func permitDecision(engine decision.Engine) decision.Decision {
	return decision.Decision{
		Outcome:  decision.Permit,
		Reason:   "within business hours",
		Metadata: decision.Metadata{Engine: engine, PolicyID: "pol-a"},
	}
}

func TestKeyStableAcrossVolatileFields(t *testing.T) {
	pols := testPolicies()
	a := testContext("agent-1", "tools/call", "fs__read_file")
	b := testContext("agent-1", "tools/call", "fs__read_file")
	b.RequestID = "req-other"
	b.Timestamp = a.Timestamp.Add(20 * time.Second) // same minute

	ka, err := Key(a, pols)
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	kb, err := Key(b, pols)
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if ka != kb {
		t.Errorf("keys differ across volatile fields: %s vs %s", ka, kb)
	}
}

func TestKeyChangesWithEnvironment(t *testing.T) {
	pols := testPolicies()
	a := testContext("agent-1", "tools/call", "fs__read_file")
	b := testContext("agent-1", "tools/call", "fs__read_file")
	b.Environment = map[string]any{"networkZone": "dmz"}

	ka, err := Key(a, pols)
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	kb, err := Key(b, pols)
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if ka == kb {
		t.Error("contexts differing only in environment share a key")
	}
}

func TestKeyChangesWithPolicyVersion(t *testing.T) {
	dctx := testContext("agent-1", "tools/call", "fs__read_file")
	before, _ := Key(dctx, []*policy.Policy{{ID: "pol-a", Version: "1.0.0"}})
	after, _ := Key(dctx, []*policy.Policy{{ID: "pol-a", Version: "1.0.1"}})
	if before == after {
		t.Error("key unchanged after policy version bump")
	}
}

func TestGetOrComputeCachesPermit(t *testing.T) {
	c := New(Options{Logger: testLogger()})
	dctx := testContext("agent-1", "tools/call", "fs__read_file")
	pols := testPolicies()

	var calls atomic.Int32
	compute := func(context.Context) (decision.Decision, error) {
		calls.Add(1)
		return permitDecision(decision.EngineStructured), nil
	}

	d1, err := c.GetOrCompute(context.Background(), dctx, pols, compute)
	if err != nil {
		t.Fatalf("GetOrCompute() error = %v", err)
	}
	if d1.Metadata.Engine != decision.EngineStructured {
		t.Errorf("first call engine = %s, want structured", d1.Metadata.Engine)
	}

	d2, err := c.GetOrCompute(context.Background(), dctx, pols, compute)
	if err != nil {
		t.Fatalf("GetOrCompute() error = %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("compute calls = %d, want 1", got)
	}
	if d2.Metadata.Engine != decision.EngineCache {
		t.Errorf("second call engine = %s, want cache", d2.Metadata.Engine)
	}
	if d2.Outcome != decision.Permit {
		t.Errorf("cached outcome = %s, want PERMIT", d2.Outcome)
	}
}

func TestGetOrComputeSkipsNotApplicable(t *testing.T) {
	c := New(Options{Logger: testLogger()})
	dctx := testContext("agent-1", "tools/call", "fs__read_file")
	pols := testPolicies()

	var calls atomic.Int32
	compute := func(context.Context) (decision.Decision, error) {
		calls.Add(1)
		return decision.Decision{
			Outcome:  decision.NotApplicable,
			Metadata: decision.Metadata{Engine: decision.EngineStructured},
		}, nil
	}

	for i := 0; i < 2; i++ {
		if _, err := c.GetOrCompute(context.Background(), dctx, pols, compute); err != nil {
			t.Fatalf("GetOrCompute() error = %v", err)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("compute calls = %d, want 2 (NOT_APPLICABLE is not cached)", got)
	}
}

func TestGetOrComputeCollapsesConcurrentMisses(t *testing.T) {
	c := New(Options{Logger: testLogger()})
	dctx := testContext("agent-1", "tools/call", "fs__read_file")
	pols := testPolicies()

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (decision.Decision, error) {
		calls.Add(1)
		<-release
		return permitDecision(decision.EngineLLM), nil
	}

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetOrCompute(context.Background(), dctx, pols, compute); err != nil {
				t.Errorf("GetOrCompute() error = %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("compute calls = %d, want 1", got)
	}
}

func TestInvalidateDropsPolicyEntries(t *testing.T) {
	c := New(Options{Logger: testLogger()})
	dctx := testContext("agent-1", "tools/call", "fs__read_file")
	pols := testPolicies()

	var calls atomic.Int32
	compute := func(context.Context) (decision.Decision, error) {
		calls.Add(1)
		return permitDecision(decision.EngineStructured), nil
	}

	if _, err := c.GetOrCompute(context.Background(), dctx, pols, compute); err != nil {
		t.Fatal(err)
	}
	c.Invalidate("pol-b")
	if _, err := c.GetOrCompute(context.Background(), dctx, pols, compute); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("compute calls after invalidation = %d, want 2", got)
	}
}

func TestL1EvictsLeastFrequent(t *testing.T) {
	l1 := NewL1(3)
	d := permitDecision(decision.EngineStructured)

	l1.Put("hot", d, time.Minute, nil)
	l1.Put("warm", d, time.Minute, nil)
	l1.Put("cold", d, time.Minute, nil)
	for i := 0; i < 10; i++ {
		l1.Get("hot")
	}
	for i := 0; i < 5; i++ {
		l1.Get("warm")
	}

	l1.Put("new", d, time.Minute, nil)

	if _, ok := l1.Get("hot"); !ok {
		t.Error("hot entry evicted, want kept")
	}
	if _, ok := l1.Get("new"); !ok {
		t.Error("new entry missing after insert")
	}
	if l1.Len() != 3 {
		t.Errorf("Len() = %d, want 3", l1.Len())
	}
}

func TestL1ExpiresEntries(t *testing.T) {
	l1 := NewL1(10)
	l1.Put("k", permitDecision(decision.EngineLLM), -time.Second, nil)
	if _, ok := l1.Get("k"); ok {
		t.Error("expired entry returned")
	}
}
