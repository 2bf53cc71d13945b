// Package tool contains the aggregated tool model: descriptors discovered
// from upstreams, registered under prefixed names, with a risk
// classification derived from name patterns.
package tool

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// Separator joins the upstream name and the tool name in the aggregated
// view: "<upstreamName>__<toolName>".
const Separator = "__"

// Risk is the coarse risk classification of a tool.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// highPatterns indicate destructive or write operations.
var highPatterns = []string{
	"delete", "remove", "drop", "destroy", "execute", "exec",
	"shell", "command", "admin", "sudo", "write", "deploy", "truncate",
}

// mediumPatterns indicate mutations or sensitive reads.
var mediumPatterns = []string{
	"create", "update", "modify", "send", "post", "upload",
	"fetch", "download", "export", "install", "put",
}

// ClassifyRisk derives a tool's risk from its name, case-insensitively.
// Substring matching is deliberate: false positives err toward caution.
func ClassifyRisk(name string) Risk {
	lower := strings.ToLower(name)
	for _, p := range highPatterns {
		if strings.Contains(lower, p) {
			return RiskHigh
		}
	}
	for _, p := range mediumPatterns {
		if strings.Contains(lower, p) {
			return RiskMedium
		}
	}
	return RiskLow
}

// Descriptor is one tool in the aggregated view.
type Descriptor struct {
	// FullName is the prefixed name clients see: "<upstream>__<tool>".
	FullName string
	// Name is the tool's name on its owning upstream.
	Name string
	// UpstreamID identifies the owning upstream.
	UpstreamID string
	// UpstreamName is the prefix used in FullName.
	UpstreamName string
	// Description is the upstream-provided description.
	Description string
	// InputSchema is the JSON Schema for the tool's parameters.
	InputSchema json.RawMessage
	// Risk is the classification derived from the name.
	Risk Risk
	// PolicyApplicable marks tools whose calls require a policy decision.
	// Always true in the core; reserved for trusted-tool exemptions.
	PolicyApplicable bool
	// DiscoveredAt records when this descriptor was registered.
	DiscoveredAt time.Time
}

// FullName builds the prefixed aggregated name for a tool.
func FullName(upstreamName, toolName string) string {
	return upstreamName + Separator + toolName
}

// SplitFullName splits a prefixed name into upstream and tool parts.
// Returns ok=false when the name carries no separator.
func SplitFullName(full string) (upstreamName, toolName string, ok bool) {
	idx := strings.Index(full, Separator)
	if idx < 0 {
		return "", "", false
	}
	return full[:idx], full[idx+len(Separator):], true
}

// Limits guarding against a misbehaving upstream advertising excessive
// tool counts.
const (
	MaxToolsPerUpstream = 1000
	MaxTotalTools       = 10000
)

// Table is the process-wide aggregated tool table. It maintains two
// indexes: by full name (for tools/call dispatch) and by upstream (for
// refresh and invalidation). The aggregated listing is rebuilt lazily
// after an invalidation.
type Table struct {
	tools      map[string]*Descriptor
	byUpstream map[string][]*Descriptor
	// stale marks upstreams whose listing must be refetched before the
	// next aggregated read.
	stale map[string]bool
	mu    sync.RWMutex
}

// NewTable creates an empty tool table.
func NewTable() *Table {
	return &Table{
		tools:      make(map[string]*Descriptor),
		byUpstream: make(map[string][]*Descriptor),
		stale:      make(map[string]bool),
	}
}

// SetUpstreamTools replaces the registered tools for one upstream and
// clears its stale mark. Input tools need only Name/Description/Schema;
// full names and risk are assigned here.
func (t *Table) SetUpstreamTools(upstreamID, upstreamName string, tools []*Descriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(tools) > MaxToolsPerUpstream {
		tools = tools[:MaxToolsPerUpstream]
	}

	if old, ok := t.byUpstream[upstreamID]; ok {
		for _, d := range old {
			delete(t.tools, d.FullName)
		}
	}

	now := time.Now()
	for _, d := range tools {
		d.UpstreamID = upstreamID
		d.UpstreamName = upstreamName
		d.FullName = FullName(upstreamName, d.Name)
		d.Risk = ClassifyRisk(d.Name)
		d.PolicyApplicable = true
		d.DiscoveredAt = now
	}

	t.byUpstream[upstreamID] = tools
	for _, d := range tools {
		if len(t.tools) >= MaxTotalTools {
			break
		}
		t.tools[d.FullName] = d
	}
	delete(t.stale, upstreamID)
}

// Get looks up a tool by its full (prefixed) name.
func (t *Table) Get(fullName string) (*Descriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.tools[fullName]
	return d, ok
}

// All returns every registered tool sorted by full name.
func (t *Table) All() []*Descriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Descriptor, 0, len(t.tools))
	for _, d := range t.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

// RemoveUpstream drops all tools belonging to an upstream.
func (t *Table) RemoveUpstream(upstreamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.byUpstream[upstreamID]; ok {
		for _, d := range old {
			delete(t.tools, d.FullName)
		}
		delete(t.byUpstream, upstreamID)
	}
	delete(t.stale, upstreamID)
}

// Invalidate marks an upstream's listing stale. Dispatch keeps working
// from the last known tools; the next aggregated read should refetch.
func (t *Table) Invalidate(upstreamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stale[upstreamID] = true
}

// StaleUpstreams returns the IDs of upstreams whose listings need a
// refetch before the next aggregated read.
func (t *Table) StaleUpstreams() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.stale))
	for id := range t.stale {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered tools.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tools)
}
