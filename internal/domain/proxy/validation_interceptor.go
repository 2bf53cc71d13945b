package proxy

import (
	"context"
	"log/slog"

	"github.com/aegis-gateway/aegis/pkg/mcp"
)

// maxMessageBytes bounds accepted messages. Oversized payloads are
// rejected before any parsing work.
const maxMessageBytes = 4 * 1024 * 1024

// ValidationInterceptor rejects structurally invalid JSON-RPC before the
// decision pipeline spends any work on it.
type ValidationInterceptor struct {
	next   MessageInterceptor
	logger *slog.Logger
}

// NewValidationInterceptor creates the interceptor.
func NewValidationInterceptor(next MessageInterceptor, logger *slog.Logger) *ValidationInterceptor {
	return &ValidationInterceptor{
		next:   next,
		logger: logger.With("component", "validation_interceptor"),
	}
}

var _ MessageInterceptor = (*ValidationInterceptor)(nil)

func (i *ValidationInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if msg.Direction == mcp.ServerToClient {
		return i.next.Intercept(ctx, msg)
	}

	if len(msg.Raw) > maxMessageBytes {
		i.logger.Warn("rejecting oversized message", "bytes", len(msg.Raw), "agent_id", msg.AgentID)
		return mcp.NewErrorMessage(msg, mcp.CodeInvalidRequest, "message too large", nil), nil
	}
	if msg.Decoded == nil {
		return mcp.NewErrorMessage(msg, mcp.CodeParseError, "parse error", nil), nil
	}
	if msg.IsRequest() && msg.Method() == "" {
		return mcp.NewErrorMessage(msg, mcp.CodeInvalidRequest, "missing method", nil), nil
	}

	// tools/call requires a tool name; catching it here gives the caller
	// -32602 instead of a confusing routing failure.
	if msg.IsToolCall() && msg.ToolName() == "" {
		return mcp.NewErrorMessage(msg, mcp.CodeInvalidParams, "tools/call requires params.name", nil), nil
	}

	return i.next.Intercept(ctx, msg)
}
