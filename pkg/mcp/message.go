// Package mcp provides MCP message types and JSON-RPC codec utilities
// for the aegis proxy.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// JSON-RPC error codes used across the proxy.
const (
	// CodeParseError is returned for malformed JSON.
	CodeParseError int64 = -32700
	// CodeInvalidRequest is returned for structurally invalid JSON-RPC.
	CodeInvalidRequest int64 = -32600
	// CodeMethodNotFound is returned for unknown methods or tools.
	CodeMethodNotFound int64 = -32601
	// CodeInvalidParams is returned for invalid method parameters.
	CodeInvalidParams int64 = -32602
	// CodeInternal is returned for internal proxy errors.
	CodeInternal int64 = -32603
	// CodeAccessDenied is returned when a policy decision denies the request.
	// Error data carries {reason, policyId, suggestions?}.
	CodeAccessDenied int64 = -32000
	// CodePolicyViolation is returned when a constraint processor fails
	// during enforcement of a permitted request.
	CodePolicyViolation int64 = -32001
	// CodeRateLimited is returned when a rate-limit constraint rejects.
	// Error data carries {retryAfterMs}.
	CodeRateLimited int64 = -32002
)

// Direction indicates the flow direction of a message through the proxy.
type Direction int

const (
	// ClientToServer indicates a message flowing from an agent to an upstream.
	ClientToServer Direction = iota
	// ServerToClient indicates a message flowing from an upstream to an agent.
	ServerToClient
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	default:
		return "unknown"
	}
}

// Message wraps a decoded JSON-RPC message with proxy metadata.
// It stores both the raw bytes (for efficient passthrough) and the decoded
// message (for policy inspection).
type Message struct {
	// Raw contains the original bytes of the message.
	Raw []byte

	// Direction indicates whether this message is flowing from
	// client to server or server to client.
	Direction Direction

	// Decoded contains the parsed JSON-RPC message.
	// May be nil if parsing failed but passthrough is still desired.
	// The concrete type is either *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Timestamp records when the message was received by the proxy.
	Timestamp time.Time

	// AgentID is the transport-level identity of the calling agent.
	// Set by the inbound transport (bearer token subject on HTTP,
	// process identity on stdio) before the message enters the chain.
	AgentID string

	// ClientIP is the remote address of the caller, when known.
	ClientIP string

	// OriginUpstream identifies the upstream a server-originated message
	// came from. Used by the notification hub to prevent broadcast loops.
	OriginUpstream string

	// ParsedParams contains the parsed params from a JSON-RPC request.
	// Set by ParseParams() for reuse across interceptors.
	// Nil if not a request or parsing failed.
	ParsedParams map[string]interface{}
}

// IsRequest returns true if the message is a JSON-RPC request.
func (m *Message) IsRequest() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse returns true if the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	if m.Decoded == nil {
		return ""
	}
	req, ok := m.Decoded.(*jsonrpc.Request)
	if !ok {
		return ""
	}
	return req.Method
}

// IsNotification returns true if this is a request without an ID
// (a JSON-RPC notification such as notifications/tools/list_changed).
func (m *Message) IsNotification() bool {
	req := m.Request()
	if req == nil {
		return false
	}
	return m.RawID() == nil
}

// IsToolCall returns true if this is a tools/call request.
func (m *Message) IsToolCall() bool {
	return m.Method() == "tools/call"
}

// PolicyApplicable reports whether the method requires a policy decision
// before it may be forwarded. List-shaped and handshake methods pass
// through the router directly; invocations and reads are evaluated.
func (m *Message) PolicyApplicable() bool {
	switch m.Method() {
	case "tools/call", "resources/read":
		return true
	default:
		return false
	}
}

// Request returns the underlying Request if this is a request message.
// Returns nil if this is not a request.
func (m *Message) Request() *jsonrpc.Request {
	if m.Decoded == nil {
		return nil
	}
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying Response if this is a response message.
// Returns nil if this is not a response.
func (m *Message) Response() *jsonrpc.Response {
	if m.Decoded == nil {
		return nil
	}
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// ParseParams parses the request params and stores in ParsedParams.
// Safe to call multiple times (no-op if already parsed).
// Returns the parsed params or nil if not a request or parsing fails.
func (m *Message) ParseParams() map[string]interface{} {
	if m.ParsedParams != nil {
		return m.ParsedParams
	}

	req := m.Request()
	if req == nil || req.Params == nil {
		return nil
	}

	var params map[string]interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}

	m.ParsedParams = params
	return params
}

// ToolName extracts the tool name from a tools/call request's params,
// or the resource URI from a resources/read request. Returns the empty
// string when neither is present.
func (m *Message) ToolName() string {
	params := m.ParseParams()
	if params == nil {
		return ""
	}
	if name, ok := params["name"].(string); ok {
		return name
	}
	if uri, ok := params["uri"].(string); ok {
		return uri
	}
	return ""
}

// RawID extracts the request ID from the raw message bytes as json.RawMessage.
// The SDK's jsonrpc.ID type doesn't marshal correctly through interface{},
// so the ID is extracted directly from the raw JSON.
// Returns nil if no ID is found or if the message is not a request.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}

	id, ok := raw["id"]
	if !ok || string(id) == "null" {
		return nil
	}
	return id
}
