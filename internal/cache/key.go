// Package cache implements the two-tier decision cache: an in-process
// LFU tier with aging and an optional shared tier behind the CacheL2
// port. Entries are keyed by a fingerprint of the request context and
// the applicable policy set, so any policy change invalidates naturally
// through the version component.
package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gowebpki/jcs"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
	"github.com/aegis-gateway/aegis/internal/domain/policy"
)

// keyProjection is the cacheable view of a decision context. Volatile
// fields (request ID, precise timestamp) are excluded or coarsened so
// that equivalent requests share an entry.
type keyProjection struct {
	AgentID         string         `json:"agentId"`
	Action          string         `json:"action"`
	Resource        string         `json:"resource"`
	Purpose         string         `json:"purpose,omitempty"`
	Location        string         `json:"location,omitempty"`
	Emergency       bool           `json:"emergency,omitempty"`
	DelegationDepth int            `json:"delegationDepth,omitempty"`
	Environment     map[string]any `json:"environment,omitempty"`
	// Minute is the request timestamp truncated to the minute. Time-of-day
	// policies stay correct at minute granularity while repeated requests
	// within the minute share an entry.
	Minute   string                    `json:"minute"`
	Policies []string                  `json:"policies"`
	Attrs    map[string]map[string]any `json:"attrs,omitempty"`
}

// Key fingerprints a context against the applicable policy set. The
// policy list carries id@version pairs, so bumping a policy version
// orphans all of its old entries.
func Key(dctx *decision.Context, policies []*policy.Policy) (string, error) {
	refs := make([]string, 0, len(policies))
	for _, p := range policies {
		refs = append(refs, p.ID+"@"+p.Version)
	}
	sort.Strings(refs)

	proj := keyProjection{
		AgentID:         dctx.AgentID,
		Action:          dctx.Action,
		Resource:        dctx.Resource,
		Purpose:         dctx.Purpose,
		Location:        dctx.Location,
		Emergency:       dctx.Emergency,
		DelegationDepth: len(dctx.DelegationChain),
		Environment:     dctx.Environment,
		Minute:          dctx.Timestamp.Truncate(time.Minute).UTC().Format(time.RFC3339),
		Policies:        refs,
		Attrs:           dctx.Attributes,
	}

	raw, err := json.Marshal(proj)
	if err != nil {
		return "", fmt.Errorf("marshal cache key projection: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize cache key: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(canonical)), nil
}
