package decision

import (
	"fmt"
	"time"
)

// Context is the decision context for a single request. It is constructed
// at interception, enriched by the PIP, frozen before decision, and passed
// by value to the PDP and the audit trail.
type Context struct {
	// RequestID is the correlation ID for this request.
	RequestID string `json:"requestId"`

	// AgentID identifies the calling agent (transport-level identity).
	AgentID string `json:"agentId"`

	// Action is the operation being attempted. For MCP traffic this is
	// the JSON-RPC method (e.g. "tools/call").
	Action string `json:"action"`

	// Resource is the target of the action: the prefixed tool name for
	// tools/call, or the resource URI for resources/read.
	Resource string `json:"resource"`

	// Timestamp is when the request was intercepted.
	Timestamp time.Time `json:"timestamp"`

	// Purpose is an optional caller-declared purpose for the access.
	Purpose string `json:"purpose,omitempty"`

	// Location is an optional caller location (ISO country code).
	Location string `json:"location,omitempty"`

	// ClientIP is the transport-level remote address.
	ClientIP string `json:"clientIp,omitempty"`

	// SessionID groups requests belonging to one agent session.
	SessionID string `json:"sessionId,omitempty"`

	// Emergency marks a declared emergency override request.
	Emergency bool `json:"emergency,omitempty"`

	// DelegationChain lists the agents a delegated request passed through,
	// outermost first. Its length is the delegation depth.
	DelegationChain []string `json:"delegationChain,omitempty"`

	// Attributes holds enrichment results, namespaced by enricher name
	// (e.g. Attributes["time"]["isBusinessHours"]). Enrichers never share
	// a namespace, so parallel enrichment needs no coordination.
	Attributes map[string]map[string]any `json:"attributes,omitempty"`

	// Environment is a free-form extension map for caller-supplied
	// attributes that are not produced by enrichers.
	Environment map[string]any `json:"environment,omitempty"`
}

// Clone returns a deep copy of the context. Enrichers write into the copy's
// attribute bags; the original stays untouched until the merge.
func (c Context) Clone() Context {
	out := c
	if c.DelegationChain != nil {
		out.DelegationChain = append([]string(nil), c.DelegationChain...)
	}
	if c.Attributes != nil {
		out.Attributes = make(map[string]map[string]any, len(c.Attributes))
		for ns, bag := range c.Attributes {
			copied := make(map[string]any, len(bag))
			for k, v := range bag {
				copied[k] = v
			}
			out.Attributes[ns] = copied
		}
	}
	if c.Environment != nil {
		out.Environment = make(map[string]any, len(c.Environment))
		for k, v := range c.Environment {
			out.Environment[k] = v
		}
	}
	return out
}

// SetAttribute records an enrichment attribute under the given namespace,
// creating the bag as needed.
func (c *Context) SetAttribute(namespace, key string, value any) {
	if c.Attributes == nil {
		c.Attributes = make(map[string]map[string]any)
	}
	bag := c.Attributes[namespace]
	if bag == nil {
		bag = make(map[string]any)
		c.Attributes[namespace] = bag
	}
	bag[key] = value
}

// Attribute looks up a namespaced enrichment attribute.
func (c *Context) Attribute(namespace, key string) (any, bool) {
	bag, ok := c.Attributes[namespace]
	if !ok {
		return nil, false
	}
	v, ok := bag[key]
	return v, ok
}

// Standard left-operand names resolvable by Operand. Temporal operands are
// derived from Timestamp; the rest map to context fields or enrichment bags.
const (
	OperandDateTime               = "dateTime"
	OperandTimeOfDay              = "timeOfDay"
	OperandDayOfWeek              = "dayOfWeek"
	OperandAgentID                = "agentId"
	OperandAgentType              = "agentType"
	OperandTrustScore             = "trustScore"
	OperandClearanceLevel         = "clearanceLevel"
	OperandResourceType           = "resourceType"
	OperandResourceClassification = "resourceClassification"
	OperandEmergencyFlag          = "emergencyFlag"
	OperandDelegationDepth        = "delegationDepth"
	OperandMCPTool                = "mcpTool"
	OperandMCPMethod              = "mcpMethod"
)

// Operand resolves a left-operand name to a value. Standard names resolve
// from the fixed dictionary of context fields and enricher namespaces;
// unknown names fall back to the Environment map and then to a scan of the
// attribute bags. The second return is false when the operand is undefined:
// all comparisons against undefined are false except neq.
func (c *Context) Operand(name string) (any, bool) {
	switch name {
	case OperandDateTime:
		return c.Timestamp.Format(time.RFC3339), true
	case OperandTimeOfDay:
		return c.Timestamp.Format("15:04"), true
	case OperandDayOfWeek:
		return c.Timestamp.Weekday().String(), true
	case OperandAgentID:
		return c.AgentID, true
	case OperandAgentType:
		return c.Attribute("agent", "agentType")
	case OperandTrustScore:
		return c.Attribute("agent", "trustScore")
	case OperandClearanceLevel:
		return c.Attribute("agent", "clearanceLevel")
	case OperandResourceType:
		return c.Attribute("resource", "dataType")
	case OperandResourceClassification:
		return c.Attribute("resource", "sensitivityLevel")
	case OperandEmergencyFlag:
		return c.Emergency, true
	case OperandDelegationDepth:
		return len(c.DelegationChain), true
	case OperandMCPTool:
		if c.Action == "tools/call" {
			return c.Resource, true
		}
		return nil, false
	case OperandMCPMethod:
		return c.Action, true
	}

	if v, ok := c.Environment[name]; ok {
		return v, true
	}
	for _, bag := range c.Attributes {
		if v, ok := bag[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Summary renders a compact human-readable form of the context for
// LLM prompts and log lines.
func (c *Context) Summary() string {
	s := fmt.Sprintf("agent=%s action=%s resource=%s time=%s",
		c.AgentID, c.Action, c.Resource, c.Timestamp.Format(time.RFC3339))
	if c.Emergency {
		s += " emergency=true"
	}
	if len(c.DelegationChain) > 0 {
		s += fmt.Sprintf(" delegationDepth=%d", len(c.DelegationChain))
	}
	return s
}
