package policyfs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/aegis-gateway/aegis/internal/domain/policy"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := New(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func samplePolicy(id, version string) *policy.Policy {
	return &policy.Policy{
		ID:      id,
		Name:    "sample",
		Text:    "Agents may read public data.",
		Version: version,
		Status:  policy.StatusDraft,
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	p := samplePolicy("p1", "1.0.0")
	if err := r.Create(ctx, p); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := r.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != p.Name || got.Version != p.Version {
		t.Errorf("Get() = %+v, want name/version of %+v", got, p)
	}

	if err := r.Create(ctx, p); !errors.Is(err, policy.ErrAlreadyExists) {
		t.Errorf("duplicate Create() error = %v, want ErrAlreadyExists", err)
	}
}

func TestGetMissing(t *testing.T) {
	r := newTestRepo(t)
	if _, err := r.Get(context.Background(), "absent"); !errors.Is(err, policy.ErrNotFound) {
		t.Errorf("Get(absent) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateAppendsHistory(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	p := samplePolicy("p1", "1.0.0")
	if err := r.Create(ctx, p); err != nil {
		t.Fatal(err)
	}

	next := *p
	next.Version = "1.1.0"
	next.Text = "Agents may read public data during business hours."
	if err := r.Update(ctx, &next, p); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := r.Get(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != "1.1.0" {
		t.Errorf("current version = %s, want 1.1.0", got.Version)
	}

	hist, err := r.History(ctx, "p1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(hist) != 1 || hist[0].Version != "1.0.0" {
		t.Errorf("history = %+v, want single 1.0.0 entry", hist)
	}
}

func TestListSkipsCorruptFiles(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if err := r.Create(ctx, samplePolicy("good", "1.0.0")); err != nil {
		t.Fatal(err)
	}
	corrupt := filepath.Join(r.dir, "policy-bad.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != "good" {
		t.Errorf("List() = %+v, want only the good policy", list)
	}
}
