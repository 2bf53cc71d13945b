// Package outbound defines the ports the domain and services depend on
// for outbound communication: upstream MCP connections, the LLM judge,
// and the shared decision-cache tier.
package outbound

import (
	"context"

	"github.com/aegis-gateway/aegis/pkg/mcp"
)

// MCPClient is one connection to an upstream MCP server. Implementations
// exist for stdio child processes and remote HTTP endpoints.
type MCPClient interface {
	// Start establishes the connection and performs the initialize
	// handshake. It must be called before Call or Notify.
	Start(ctx context.Context) error

	// Call sends a request and waits for the matching response.
	Call(ctx context.Context, msg *mcp.Message) (*mcp.Message, error)

	// Notify sends a notification; no response is expected.
	Notify(ctx context.Context, msg *mcp.Message) error

	// Notifications returns the channel of server-initiated notifications.
	// The channel is closed when the connection terminates.
	Notifications() <-chan *mcp.Message

	// Wait blocks until the connection terminates and returns its
	// terminal error, if any.
	Wait() error

	// Close terminates the connection and releases resources.
	Close() error
}
