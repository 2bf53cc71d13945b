package service

import "github.com/aegis-gateway/aegis/internal/domain/proxy"

// SuccessRecorder tracks per-agent outcomes feeding the trust score.
type SuccessRecorder interface {
	RecordSuccess(agentID string)
	RecordViolation(agentID string)
}

// FailureRecorder tracks denied attempts feeding the security enricher.
type FailureRecorder interface {
	RecordFailure(agentID string)
}

// Feedback routes enforcement outcomes into the agent directory and the
// attempt tracker, closing the loop between enforcement and enrichment.
// Implements proxy.FeedbackSink.
type Feedback struct {
	directory SuccessRecorder
	attempts  FailureRecorder
}

// NewFeedback creates the sink. Either argument may be nil.
func NewFeedback(directory SuccessRecorder, attempts FailureRecorder) *Feedback {
	return &Feedback{directory: directory, attempts: attempts}
}

var _ proxy.FeedbackSink = (*Feedback)(nil)

func (f *Feedback) RecordOutcome(agentID string, permitted bool) {
	if agentID == "" {
		return
	}
	if permitted {
		if f.directory != nil {
			f.directory.RecordSuccess(agentID)
		}
		return
	}
	if f.directory != nil {
		f.directory.RecordViolation(agentID)
	}
	if f.attempts != nil {
		f.attempts.RecordFailure(agentID)
	}
}
