// Package stdio provides the stdio inbound transport: the gateway is
// spawned by an MCP client (an editor, an agent runtime) and speaks
// newline-delimited JSON-RPC on its own stdin/stdout.
package stdio

import (
	"context"
	"io"
	"log/slog"

	"github.com/aegis-gateway/aegis/internal/service"
)

// defaultAgentID is the identity assumed for the stdio peer when the
// configuration does not assign one. Stdio carries no credentials; the
// process boundary is the trust boundary.
const defaultAgentID = "stdio-agent"

// Transport runs the proxy loop over a reader/writer pair.
type Transport struct {
	proxy   *service.ProxyService
	agentID string
	logger  *slog.Logger
}

// NewTransport creates the transport. agentID may be empty.
func NewTransport(proxy *service.ProxyService, agentID string, logger *slog.Logger) *Transport {
	if agentID == "" {
		agentID = defaultAgentID
	}
	return &Transport{
		proxy:   proxy,
		agentID: agentID,
		logger:  logger.With("component", "stdio_transport"),
	}
}

// Serve processes messages until EOF on r or context cancellation.
func (t *Transport) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	t.logger.Info("stdio transport started", "agent_id", t.agentID)
	err := t.proxy.ServeStdio(ctx, r, w, t.agentID)
	if err != nil && ctx.Err() == nil {
		t.logger.Error("stdio transport failed", "error", err)
		return err
	}
	t.logger.Info("stdio transport stopped")
	return nil
}
