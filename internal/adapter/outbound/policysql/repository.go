// Package policysql persists policies in SQLite. The current state and
// the version history live in separate tables; each row stores the full
// policy document as JSON, with the ID and status lifted into columns
// for querying.
package policysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/aegis-gateway/aegis/internal/domain/policy"
)

const schema = `
CREATE TABLE IF NOT EXISTS policies (
	id     TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	doc    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS policy_history (
	policy_id TEXT    NOT NULL,
	seq       INTEGER NOT NULL,
	doc       TEXT    NOT NULL,
	PRIMARY KEY (policy_id, seq)
);
`

// Repository stores policies in a SQLite database file.
type Repository struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ policy.Repository = (*Repository)(nil)

// Open opens (creating as needed) the database at path.
func Open(path string, logger *slog.Logger) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open policy db: %w", err)
	}
	// SQLite supports one writer; serializing in the pool avoids
	// SQLITE_BUSY under concurrent administration.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init policy schema: %w", err)
	}
	return &Repository{db: db, logger: logger.With("component", "policysql")}, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new policy row.
func (r *Repository) Create(ctx context.Context, p *policy.Policy) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO policies (id, status, doc) VALUES (?, ?, ?)`,
		p.ID, string(p.Status), string(doc))
	if err != nil {
		if isUniqueViolation(err) {
			return policy.ErrAlreadyExists
		}
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}

// Get returns the current state of a policy.
func (r *Repository) Get(ctx context.Context, id string) (*policy.Policy, error) {
	var doc string
	err := r.db.QueryRowContext(ctx,
		`SELECT doc FROM policies WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select policy %s: %w", id, err)
	}
	var p policy.Policy
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", id, err)
	}
	return &p, nil
}

// Update replaces the current row and appends the prior state to the
// history table in one transaction.
func (r *Repository) Update(ctx context.Context, p *policy.Policy, prior *policy.Policy) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	priorDoc, err := json.Marshal(prior)
	if err != nil {
		return fmt.Errorf("marshal prior policy: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE policies SET status = ?, doc = ? WHERE id = ?`,
		string(p.Status), string(doc), p.ID)
	if err != nil {
		return fmt.Errorf("update policy %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return policy.ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_history (policy_id, seq, doc)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM policy_history WHERE policy_id = ?), ?)`,
		p.ID, p.ID, string(priorDoc))
	if err != nil {
		return fmt.Errorf("append history %s: %w", p.ID, err)
	}
	return tx.Commit()
}

// List returns all policies.
func (r *Repository) List(ctx context.Context) ([]policy.Policy, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT doc FROM policies`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []policy.Policy
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var p policy.Policy
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			r.logger.Warn("skipping undecodable policy row", "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// History returns prior versions of a policy, oldest first.
func (r *Repository) History(ctx context.Context, id string) ([]policy.Policy, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT doc FROM policy_history WHERE policy_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("list history %s: %w", id, err)
	}
	defer rows.Close()

	var out []policy.Policy
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var p policy.Policy
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// isUniqueViolation matches SQLite's primary-key constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
