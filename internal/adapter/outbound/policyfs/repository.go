// Package policyfs persists policies on the filesystem: one JSON file
// per policy plus a JSON history file per policy under history/. Writes
// go through a temp file and rename, so a crash never leaves a
// half-written policy.
package policyfs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aegis-gateway/aegis/internal/domain/policy"
)

const (
	filePrefix = "policy-"
	fileSuffix = ".json"
	historyDir = "history"
)

// Repository stores policies under a directory. A single mutex
// serializes writes; policy administration is low-frequency.
type Repository struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

var _ policy.Repository = (*Repository)(nil)

// New creates the repository, making the directories as needed.
func New(dir string, logger *slog.Logger) (*Repository, error) {
	if err := os.MkdirAll(filepath.Join(dir, historyDir), 0o755); err != nil {
		return nil, fmt.Errorf("create policy dir: %w", err)
	}
	return &Repository{dir: dir, logger: logger.With("component", "policyfs")}, nil
}

func (r *Repository) policyPath(id string) string {
	return filepath.Join(r.dir, filePrefix+id+fileSuffix)
}

func (r *Repository) historyPath(id string) string {
	return filepath.Join(r.dir, historyDir, id+fileSuffix)
}

// Create writes a new policy file; fails if the ID already exists.
func (r *Repository) Create(_ context.Context, p *policy.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.policyPath(p.ID)
	if _, err := os.Stat(path); err == nil {
		return policy.ErrAlreadyExists
	}
	return writeJSON(path, p)
}

// Get reads the current state of a policy.
func (r *Repository) Get(_ context.Context, id string) (*policy.Policy, error) {
	data, err := os.ReadFile(r.policyPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, policy.ErrNotFound
		}
		return nil, fmt.Errorf("read policy %s: %w", id, err)
	}
	var p policy.Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", id, err)
	}
	return &p, nil
}

// Update appends the prior state to history, then replaces the current
// file. History is written first so a crash between the two steps loses
// no version.
func (r *Repository) Update(_ context.Context, p *policy.Policy, prior *policy.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.policyPath(p.ID)); err != nil {
		if os.IsNotExist(err) {
			return policy.ErrNotFound
		}
		return err
	}

	hist, err := r.readHistory(p.ID)
	if err != nil {
		return err
	}
	hist = append(hist, *prior)
	if err := writeJSON(r.historyPath(p.ID), hist); err != nil {
		return err
	}
	return writeJSON(r.policyPath(p.ID), p)
}

// List reads every policy file in the directory. Unreadable files are
// skipped with a warning rather than failing the listing.
func (r *Repository) List(_ context.Context) ([]policy.Policy, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("list policy dir: %w", err)
	}

	out := make([]policy.Policy, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			r.logger.Warn("skipping unreadable policy file", "file", name, "error", err)
			continue
		}
		var p policy.Policy
		if err := json.Unmarshal(data, &p); err != nil {
			r.logger.Warn("skipping undecodable policy file", "file", name, "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// History returns prior versions, oldest first.
func (r *Repository) History(_ context.Context, id string) ([]policy.Policy, error) {
	if _, err := os.Stat(r.policyPath(id)); err != nil {
		if os.IsNotExist(err) {
			return nil, policy.ErrNotFound
		}
		return nil, err
	}
	return r.readHistory(id)
}

func (r *Repository) readHistory(id string) ([]policy.Policy, error) {
	data, err := os.ReadFile(r.historyPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history %s: %w", id, err)
	}
	var hist []policy.Policy
	if err := json.Unmarshal(data, &hist); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", id, err)
	}
	return hist, nil
}

// writeJSON writes v to path atomically via a temp file in the same
// directory.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
