package proxy

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/aegis-gateway/aegis/internal/ctxkey"
	"github.com/aegis-gateway/aegis/internal/domain/audit"
	"github.com/aegis-gateway/aegis/pkg/mcp"
)

// AuditSink receives completed audit entries. Submission must not block
// the response path; buffering and persistence live behind it.
type AuditSink interface {
	Submit(entry audit.Entry)
}

// AuditInterceptor is the outermost chain layer. It assigns the request
// correlation ID, seeds the enforcement record the inner layers report
// into, converts enforcement errors to JSON-RPC error responses, and
// submits exactly one audit entry per intercepted request.
type AuditInterceptor struct {
	next   MessageInterceptor
	sink   AuditSink
	logger *slog.Logger
}

// NewAuditInterceptor creates the interceptor.
func NewAuditInterceptor(next MessageInterceptor, sink AuditSink, logger *slog.Logger) *AuditInterceptor {
	return &AuditInterceptor{
		next:   next,
		sink:   sink,
		logger: logger.With("component", "audit_interceptor"),
	}
}

var _ MessageInterceptor = (*AuditInterceptor)(nil)

func (i *AuditInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	// Server-originated traffic (notifications fanned out by the hub)
	// is not audited per request.
	if msg.Direction == mcp.ServerToClient {
		return i.next.Intercept(ctx, msg)
	}

	requestID := uuid.NewString()
	rec := audit.NewRecord(msg.Timestamp)

	ctx = context.WithValue(ctx, ctxkey.RequestIDKey{}, requestID)
	ctx = audit.ContextWithRecord(ctx, rec)
	logger := i.logger.With("request_id", requestID, "agent_id", msg.AgentID, "method", msg.Method())
	ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, logger)

	resp, err := i.next.Intercept(ctx, msg)
	if err != nil {
		logger.Warn("request rejected", "error", err)
		resp = ToErrorMessage(msg, err)
	}

	// Audit only policy-applicable traffic; handshake and list traffic
	// would swamp the trail.
	if msg.PolicyApplicable() {
		i.sink.Submit(rec.Entry(requestID))
	}
	return resp, nil
}
