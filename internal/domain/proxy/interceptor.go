// Package proxy contains the PEP's domain logic: the interceptor chain
// every MCP message passes through, the upstream router, and the
// notification hub. Interceptors wrap each other outermost-first:
// audit → validation → enforcement → router.
package proxy

import (
	"context"

	"github.com/aegis-gateway/aegis/pkg/mcp"
)

// MessageInterceptor inspects and optionally transforms a message.
// Returning a ServerToClient message short-circuits the chain: the
// message is the response. Returning an error aborts the request; the
// outermost layer maps it to a JSON-RPC error response.
type MessageInterceptor interface {
	Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error)
}

// InterceptorFunc adapts a function to the MessageInterceptor interface.
type InterceptorFunc func(ctx context.Context, msg *mcp.Message) (*mcp.Message, error)

func (f InterceptorFunc) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	return f(ctx, msg)
}

var _ MessageInterceptor = (InterceptorFunc)(nil)
