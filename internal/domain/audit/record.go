package audit

import (
	"context"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/ctxkey"
	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

// Record accumulates the decision and enforcement results of one request
// while it flows through the interceptor chain. It is mutable and guarded
// because constraint processors and async obligations may report from
// separate goroutines; Entry freezes it into the immutable audit form.
type Record struct {
	mu sync.Mutex

	started  time.Time
	context  decision.Context
	decision decision.Decision
	policy   PolicySnapshot

	constraints []ConstraintResult
	obligations []ObligationResult
	upstream    string

	outcome EntryOutcome
	detail  DetailLevel
}

// NewRecord starts a record for one request.
func NewRecord(started time.Time) *Record {
	return &Record{
		started: started,
		outcome: OutcomeSuccess,
		detail:  DetailBasic,
	}
}

// SetContext stores the enriched decision context.
func (r *Record) SetContext(dctx decision.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.context = dctx
}

// SetDecision stores the decision and its policy snapshot.
func (r *Record) SetDecision(d decision.Decision, snap PolicySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decision = d
	r.policy = snap
}

// AddConstraint reports one constraint application.
func (r *Record) AddConstraint(res ConstraintResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constraints = append(r.constraints, res)
}

// AddObligation reports one obligation execution.
func (r *Record) AddObligation(res ObligationResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obligations = append(r.obligations, res)
}

// SetUpstreamSummary notes what the upstream returned (or why it did not).
func (r *Record) SetUpstreamSummary(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstream = s
}

// SetOutcome overrides the enforcement outcome. Failures are sticky:
// a later SUCCESS never downgrades a recorded FAILURE or ERROR.
func (r *Record) SetOutcome(o EntryOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome != OutcomeSuccess && o == OutcomeSuccess {
		return
	}
	r.outcome = o
}

// RaiseDetail increases the detail level; it never lowers it, so the
// most demanding audit-log obligation wins.
func (r *Record) RaiseDetail(d DetailLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rank(d) > rank(r.detail) {
		r.detail = d
	}
}

func rank(d DetailLevel) int {
	switch d {
	case DetailFull:
		return 2
	case DetailDetailed:
		return 1
	default:
		return 0
	}
}

// Entry freezes the record into an audit entry. The caller assigns the ID.
func (r *Record) Entry(id string) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := Entry{
		ID:              id,
		Timestamp:       r.started,
		Context:         r.context,
		Decision:        r.decision,
		Policy:          r.policy,
		Constraints:     append([]ConstraintResult(nil), r.constraints...),
		Obligations:     append([]ObligationResult(nil), r.obligations...),
		UpstreamSummary: r.upstream,
		DurationMs:      time.Since(r.started).Milliseconds(),
		Outcome:         r.outcome,
		Detail:          r.detail,
	}

	// Below "full", the raw context attribute bags are withheld; "basic"
	// additionally drops the policy text snapshot.
	if r.detail != DetailFull {
		e.Context.Attributes = nil
		e.Context.Environment = nil
	}
	if r.detail == DetailBasic {
		e.Policy.Text = ""
	}
	return e
}

// ContextWithRecord attaches the record to a request context.
func ContextWithRecord(ctx context.Context, r *Record) context.Context {
	return context.WithValue(ctx, ctxkey.RecordKey{}, r)
}

// RecordFromContext retrieves the record, or nil when the request is not
// being audited (internal traffic, tests).
func RecordFromContext(ctx context.Context) *Record {
	r, _ := ctx.Value(ctxkey.RecordKey{}).(*Record)
	return r
}
