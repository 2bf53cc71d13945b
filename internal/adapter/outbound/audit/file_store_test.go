package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
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

func newStore(t *testing.T, cfg FileStoreConfig) *FileStore {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := NewFileStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entryAt(id, agent string, outcome decision.Outcome, ts time.Time) audit.Entry {
	return audit.Entry{
		ID:        id,
		Timestamp: ts,
		Context:   decision.Context{AgentID: agent, Action: "tools/call", Resource: "fs__read_file"},
		Decision:  decision.Decision{Outcome: outcome, Reason: "test"},
		Policy:    audit.PolicySnapshot{ID: "pol-1", Version: "1.0.0"},
		Outcome:   audit.OutcomeSuccess,
	}
}

func TestAppendAndRecent(t *testing.T) {
	s := newStore(t, FileStoreConfig{})
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		e := entryAt(fmt.Sprintf("e%d", i), "agent-1", decision.Permit, now.Add(time.Duration(i)*time.Second))
		if err := s.Append(context.Background(), e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recent := s.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("Recent(3) returned %d entries", len(recent))
	}
	if recent[0].ID != "e4" || recent[2].ID != "e2" {
		t.Errorf("order = %s..%s, want e4..e2", recent[0].ID, recent[2].ID)
	}
}

func TestEntriesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, FileStoreConfig{Dir: dir})
	now := time.Now().UTC()
	if err := s.Append(context.Background(), entryAt("e1", "agent-1", decision.Deny, now)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := newStore(t, FileStoreConfig{Dir: dir})
	recent := reopened.Recent(10)
	if len(recent) != 1 || recent[0].ID != "e1" {
		t.Errorf("recent after reopen = %+v", recent)
	}
}

func TestSizeRotation(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, FileStoreConfig{Dir: dir, MaxFileSizeMB: 1})
	// Force the rotation threshold down to something a test can hit.
	s.maxFileSize = 512

	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		if err := s.Append(context.Background(), entryAt(fmt.Sprintf("e%d", i), "agent-1", decision.Permit, now)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	files, err := s.listFiles()
	if err != nil {
		t.Fatalf("listFiles: %v", err)
	}
	if len(files) < 2 {
		t.Errorf("size rotation produced %d files, want >= 2", len(files))
	}

	// Every entry remains findable across the rotated parts.
	found, err := s.Search(context.Background(), audit.Query{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(found) != 10 {
		t.Errorf("Search found %d entries, want 10", len(found))
	}
}

func TestSearchFilters(t *testing.T) {
	s := newStore(t, FileStoreConfig{})
	now := time.Now().UTC()
	entries := []audit.Entry{
		entryAt("e1", "agent-a", decision.Permit, now.Add(-2*time.Minute)),
		entryAt("e2", "agent-b", decision.Deny, now.Add(-time.Minute)),
		entryAt("e3", "agent-a", decision.Deny, now),
	}
	if err := s.Append(context.Background(), entries...); err != nil {
		t.Fatalf("Append: %v", err)
	}

	byAgent, err := s.Search(context.Background(), audit.Query{Agents: []string{"agent-a"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(byAgent) != 2 || byAgent[0].ID != "e3" {
		t.Errorf("byAgent = %+v", byAgent)
	}

	denies, err := s.Search(context.Background(), audit.Query{Decisions: []decision.Outcome{decision.Deny}, Limit: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(denies) != 1 || denies[0].ID != "e3" {
		t.Errorf("denies = %+v", denies)
	}
}

func TestStats(t *testing.T) {
	s := newStore(t, FileStoreConfig{})
	now := time.Now().UTC()
	if err := s.Append(context.Background(),
		entryAt("e1", "agent-a", decision.Permit, now),
		entryAt("e2", "agent-a", decision.Deny, now),
		entryAt("e3", "agent-b", decision.Permit, now),
	); err != nil {
		t.Fatalf("Append: %v", err)
	}

	stats, err := s.Stats(context.Background(), now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.ByOutcome[decision.Permit] != 2 || stats.ByOutcome[decision.Deny] != 1 {
		t.Errorf("byOutcome = %v", stats.ByOutcome)
	}
	if stats.ByAgent["agent-a"] != 2 {
		t.Errorf("byAgent = %v", stats.ByAgent)
	}
}

func TestRetentionCleanup(t *testing.T) {
	dir := t.TempDir()
	// Plant an expired file before the store opens.
	old := time.Now().UTC().AddDate(0, 0, -10).Format("2006-01-02")
	oldPath := filepath.Join(dir, "audit-"+old+".log")
	if err := os.WriteFile(oldPath, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("plant old file: %v", err)
	}

	newStore(t, FileStoreConfig{Dir: dir, RetentionDays: 7})
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("expired file survived cleanup: %v", err)
	}
}
