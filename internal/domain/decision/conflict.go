package decision

import "fmt"

// ConflictStrategy selects how multiple per-policy outcomes combine into
// a single decision.
type ConflictStrategy string

const (
	// StrategyPriority lets the highest-priority policy's outcome win;
	// ties break by source order. This is the default.
	StrategyPriority ConflictStrategy = "priority"
	// StrategyStrict makes any DENY win.
	StrategyStrict ConflictStrategy = "strict"
	// StrategyPermissive makes any PERMIT win provided no DENY exists.
	StrategyPermissive ConflictStrategy = "permissive"
	// StrategyConsensus takes the majority outcome; ties resolve to DENY.
	StrategyConsensus ConflictStrategy = "consensus"
)

// Valid reports whether s is a recognized strategy.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyPriority, StrategyStrict, StrategyPermissive, StrategyConsensus:
		return true
	}
	return false
}

// Contribution is one policy's outcome entering conflict resolution.
type Contribution struct {
	PolicyID      string
	PolicyVersion string
	Priority      int
	// Order is the position in source (selection) order, for tie-breaks.
	Order    int
	Decision Decision
}

// Resolve combines per-policy outcomes under the given strategy.
// The combined decision's constraints and obligations are the union of
// those from contributions sharing the final outcome, deduplicated by
// (kind, parameters). Returns NotApplicable when there are no contributions.
func Resolve(strategy ConflictStrategy, contribs []Contribution) Decision {
	if len(contribs) == 0 {
		return Decision{
			Outcome:    NotApplicable,
			Reason:     "no applicable policy",
			Confidence: 1.0,
		}
	}
	if len(contribs) == 1 {
		return contribs[0].Decision
	}

	var winner *Contribution
	switch strategy {
	case StrategyStrict:
		winner = firstWithOutcome(contribs, Deny)
		if winner == nil {
			winner = highestPriority(contribs)
		}
	case StrategyPermissive:
		if firstWithOutcome(contribs, Deny) == nil {
			winner = firstWithOutcome(contribs, Permit)
		}
		if winner == nil {
			winner = highestPriority(contribs)
		}
	case StrategyConsensus:
		winner = consensusWinner(contribs)
	case StrategyPriority:
		winner = highestPriority(contribs)
	default:
		winner = highestPriority(contribs)
	}

	combined := winner.Decision
	combined.Metadata.PolicyID = winner.PolicyID
	combined.Metadata.PolicyVersion = winner.PolicyVersion
	combined.Metadata.SelectionReason = fmt.Sprintf("conflict resolution: %s", strategy)

	// Union specs from contributions that agree with the final outcome.
	for i := range contribs {
		c := &contribs[i]
		if c == winner || c.Decision.Outcome != combined.Outcome {
			continue
		}
		combined.MergeSpecs(&c.Decision)
	}
	return combined
}

// firstWithOutcome returns the highest-priority contribution with the given
// outcome, or nil.
func firstWithOutcome(contribs []Contribution, o Outcome) *Contribution {
	var best *Contribution
	for i := range contribs {
		c := &contribs[i]
		if c.Decision.Outcome != o {
			continue
		}
		if best == nil || c.Priority > best.Priority ||
			(c.Priority == best.Priority && c.Order < best.Order) {
			best = c
		}
	}
	return best
}

// highestPriority returns the contribution with the highest priority,
// breaking ties by source order.
func highestPriority(contribs []Contribution) *Contribution {
	best := &contribs[0]
	for i := 1; i < len(contribs); i++ {
		c := &contribs[i]
		if c.Priority > best.Priority ||
			(c.Priority == best.Priority && c.Order < best.Order) {
			best = c
		}
	}
	return best
}

// consensusWinner tallies outcomes and returns the highest-priority
// contribution of the majority outcome. A tie between PERMIT and DENY
// resolves to DENY.
func consensusWinner(contribs []Contribution) *Contribution {
	counts := make(map[Outcome]int)
	for i := range contribs {
		counts[contribs[i].Decision.Outcome]++
	}

	majority := Deny
	if counts[Permit] > counts[Deny] {
		majority = Permit
	}
	if counts[majority] == 0 {
		// Neither PERMIT nor DENY present; fall back to priority.
		return highestPriority(contribs)
	}

	if w := firstWithOutcome(contribs, majority); w != nil {
		return w
	}
	return highestPriority(contribs)
}
