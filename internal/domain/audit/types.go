// Package audit contains the append-only audit domain model: the entry
// recorded for every request, the query surface, and the store port.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

// EntryOutcome classifies how enforcement of a request concluded.
type EntryOutcome string

const (
	// OutcomeSuccess means the request completed as decided (including
	// clean denials).
	OutcomeSuccess EntryOutcome = "SUCCESS"
	// OutcomeFailure means an upstream or critical-obligation failure.
	OutcomeFailure EntryOutcome = "FAILURE"
	// OutcomeError means the pipeline itself failed (timeout, internal).
	OutcomeError EntryOutcome = "ERROR"
)

// DetailLevel controls how much of the context and decision an entry
// carries, set by audit-log obligations.
type DetailLevel string

const (
	DetailBasic    DetailLevel = "basic"
	DetailDetailed DetailLevel = "detailed"
	DetailFull     DetailLevel = "full"
)

// PolicySnapshot pins the policy state that produced the decision.
type PolicySnapshot struct {
	ID      string `json:"id,omitempty"`
	Version string `json:"version,omitempty"`
	Name    string `json:"name,omitempty"`
	Text    string `json:"text,omitempty"`
}

// ConstraintResult records one constraint application during enforcement.
type ConstraintResult struct {
	Kind       string `json:"kind"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// ObligationResult records one obligation execution.
type ObligationResult struct {
	Kind  string `json:"kind"`
	OK    bool   `json:"ok"`
	Async bool   `json:"async"`
	Error string `json:"error,omitempty"`
}

// Entry is one immutable audit record. Entries are produced by the PEP,
// owned by the store, and never mutated after submission.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	Context  decision.Context  `json:"context"`
	Decision decision.Decision `json:"decision"`
	Policy   PolicySnapshot    `json:"policy"`

	Constraints     []ConstraintResult `json:"constraints,omitempty"`
	Obligations     []ObligationResult `json:"obligations,omitempty"`
	UpstreamSummary string             `json:"upstreamSummary,omitempty"`

	DurationMs int64        `json:"durationMs"`
	Outcome    EntryOutcome `json:"outcome"`
	Detail     DetailLevel  `json:"detail,omitempty"`
}

// Matches reports whether the entry satisfies a query filter.
func (e *Entry) Matches(q Query) bool {
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	if len(q.Agents) > 0 && !contains(q.Agents, e.Context.AgentID) {
		return false
	}
	if len(q.Policies) > 0 && !contains(q.Policies, e.Policy.ID) {
		return false
	}
	if len(q.Decisions) > 0 {
		found := false
		for _, d := range q.Decisions {
			if e.Decision.Outcome == d {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Keyword != "" {
		kw := strings.ToLower(q.Keyword)
		if !strings.Contains(strings.ToLower(e.Decision.Reason), kw) &&
			!strings.Contains(strings.ToLower(e.Context.Resource), kw) &&
			!strings.Contains(strings.ToLower(e.Context.AgentID), kw) {
			return false
		}
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Query filters audit entries.
type Query struct {
	From      time.Time
	To        time.Time
	Agents    []string
	Policies  []string
	Decisions []decision.Outcome
	Keyword   string
	// Limit caps the number of returned entries; 0 means no cap.
	Limit int
}

// Stats summarizes audit activity over a time range.
type Stats struct {
	Total      int                      `json:"total"`
	ByOutcome  map[decision.Outcome]int `json:"byOutcome"`
	ByPolicy   map[string]int           `json:"byPolicy"`
	ByAgent    map[string]int           `json:"byAgent"`
	Hourly     [24]int                  `json:"hourly"`
	RiskBands  map[string]int           `json:"riskBands"`
	From       time.Time                `json:"from"`
	To         time.Time                `json:"to"`
	AvgMs      float64                  `json:"avgMs"`
	ErrorCount int                      `json:"errorCount"`
}

// Store is the persistence port for audit entries. Writes may be buffered;
// entries are immutable once accepted and there is no update API.
type Store interface {
	// Append stores entries. Implementations must preserve submission
	// order within a single call.
	Append(ctx context.Context, entries ...Entry) error
	// Recent returns the last n entries, newest first.
	Recent(n int) []Entry
	// Search returns entries matching the query, newest first.
	Search(ctx context.Context, q Query) ([]Entry, error)
	// Stats computes a summary over [from, to].
	Stats(ctx context.Context, from, to time.Time) (Stats, error)
	// Flush forces buffered entries to durable storage.
	Flush(ctx context.Context) error
	// Close releases resources.
	Close() error
}
