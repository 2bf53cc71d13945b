package mcp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// EncodeMessage serializes a JSON-RPC message to its wire format.
// This delegates to the MCP SDK's jsonrpc package.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeMessage deserializes JSON-RPC wire format data into a Message.
// It returns either a *jsonrpc.Request or *jsonrpc.Response based on the
// message content. This delegates to the MCP SDK's jsonrpc package.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// WrapMessage decodes raw JSON-RPC bytes and wraps them in a Message struct
// with the specified direction and current timestamp.
//
// If decoding fails, returns an error. For passthrough scenarios where
// the raw bytes should be preserved even on decode failure, callers can
// construct a Message manually.
func WrapMessage(raw []byte, dir Direction) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}

	return &Message{
		Raw:       raw,
		Direction: dir,
		Decoded:   decoded,
		Timestamp: time.Now(),
	}, nil
}

// wireError is the serialized form of a JSON-RPC error response.
type wireError struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Error   wireErrorDetail `json:"error"`
}

type wireErrorDetail struct {
	Code    int64          `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type wireResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result"`
}

// NewErrorMessage builds a JSON-RPC error response correlated with req.
// data is attached verbatim under error.data and may be nil.
func NewErrorMessage(req *Message, code int64, text string, data map[string]any) *Message {
	resp := wireError{
		JSONRPC: "2.0",
		Error: wireErrorDetail{
			Code:    code,
			Message: text,
			Data:    data,
		},
	}
	if req != nil {
		resp.ID = req.RawID()
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		// The error struct contains only marshallable fields; this is
		// unreachable unless data carries an unsupported type.
		raw = []byte(fmt.Sprintf(`{"jsonrpc":"2.0","error":{"code":%d,"message":"internal error"}}`, CodeInternal))
	}

	return &Message{
		Raw:       raw,
		Direction: ServerToClient,
		Timestamp: time.Now(),
	}
}

// NewResultMessage builds a JSON-RPC success response correlated with req.
func NewResultMessage(req *Message, result any) (*Message, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}

	resp := wireResult{
		JSONRPC: "2.0",
		Result:  resultJSON,
	}
	if req != nil {
		resp.ID = req.RawID()
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshaling response: %w", err)
	}

	return &Message{
		Raw:       raw,
		Direction: ServerToClient,
		Timestamp: time.Now(),
	}, nil
}

// wireRequest is the serialized form of a JSON-RPC request.
type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  any             `json:"params,omitempty"`
}

// NewRequestMessage builds a client-to-server request with the given ID
// (nil for a notification), method, and params. Used when the proxy
// rewrites a request before forwarding, e.g. stripping the upstream
// prefix from a tool name or substituting transformed arguments.
func NewRequestMessage(id json.RawMessage, method string, params any) (*Message, error) {
	raw, err := json.Marshal(wireRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding rebuilt request: %w", err)
	}

	return &Message{
		Raw:       raw,
		Direction: ClientToServer,
		Decoded:   decoded,
		Timestamp: time.Now(),
	}, nil
}

// NewNotificationMessage builds a JSON-RPC notification (no ID).
func NewNotificationMessage(method string, params any) (*Message, error) {
	body := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
	}
	if params != nil {
		body["params"] = params
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling notification: %w", err)
	}

	return &Message{
		Raw:       raw,
		Direction: ServerToClient,
		Timestamp: time.Now(),
	}, nil
}
