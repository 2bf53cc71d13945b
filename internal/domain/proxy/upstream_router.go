package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/aegis-gateway/aegis/internal/domain/tool"
	"github.com/aegis-gateway/aegis/pkg/mcp"
)

// protocolVersion is the MCP protocol revision the gateway speaks to its
// clients. Upstream sessions negotiate their own versions.
const protocolVersion = "2025-03-26"

// Dispatcher forwards a message to a connected upstream and returns its
// response. Implemented by the upstream manager in the service layer.
type Dispatcher interface {
	Dispatch(ctx context.Context, upstreamID string, msg *mcp.Message) (*mcp.Message, error)
	// Primary returns the fallback upstream for traffic that carries no
	// routing key (prompts, unlisted resource URIs). ok is false when no
	// upstream is connected.
	Primary() (upstreamID string, ok bool)
	// ConnectedIDs returns the connected upstreams in configuration
	// order, for aggregated reads.
	ConnectedIDs() []string
}

// ToolRefresher refetches stale upstream tool listings before an
// aggregated read.
type ToolRefresher interface {
	RefreshStale(ctx context.Context)
}

// UpstreamRouter terminates the interceptor chain. It answers the MCP
// handshake locally, serves the aggregated tool listing, and dispatches
// tool calls to the owning upstream with the name prefix stripped.
type UpstreamRouter struct {
	dispatcher Dispatcher
	refresher  ToolRefresher
	table      *tool.Table
	serverName string
	version    string
	logger     *slog.Logger

	// resourceOwner maps listed resource URIs to the upstream that
	// listed them, rebuilt on every aggregated resources/list.
	mu            sync.Mutex
	resourceOwner map[string]string
}

// NewUpstreamRouter creates the router.
func NewUpstreamRouter(dispatcher Dispatcher, refresher ToolRefresher, table *tool.Table, version string, logger *slog.Logger) *UpstreamRouter {
	return &UpstreamRouter{
		dispatcher: dispatcher,
		refresher:  refresher,
		table:      table,
		serverName: "aegis",
		version:    version,
		logger:     logger.With("component", "upstream_router"),
	}
}

var _ MessageInterceptor = (*UpstreamRouter)(nil)

func (r *UpstreamRouter) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if msg.Direction == mcp.ServerToClient {
		return msg, nil
	}

	switch msg.Method() {
	case "initialize":
		return r.handleInitialize(msg)
	case "notifications/initialized":
		// Handshake completion; nothing to forward, no response.
		return nil, nil
	case "ping":
		return mcp.NewResultMessage(msg, map[string]any{})
	case "tools/list":
		return r.handleToolsList(ctx, msg)
	case "tools/call":
		return r.handleToolCall(ctx, msg)
	case "resources/list":
		return r.handleResourcesList(ctx, msg)
	case "resources/read":
		return r.handleResourcesRead(ctx, msg)
	default:
		return r.dispatchPrimary(ctx, msg)
	}
}

// handleInitialize answers the handshake locally. Clients see one
// server; the per-upstream handshakes happen on connect.
func (r *UpstreamRouter) handleInitialize(msg *mcp.Message) (*mcp.Message, error) {
	return mcp.NewResultMessage(msg, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    r.serverName,
			"version": r.version,
		},
	})
}

// handleToolsList serves the aggregated listing under prefixed names.
func (r *UpstreamRouter) handleToolsList(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if r.refresher != nil {
		r.refresher.RefreshStale(ctx)
	}

	descriptors := r.table.All()
	tools := make([]map[string]any, 0, len(descriptors))
	for _, d := range descriptors {
		entry := map[string]any{
			"name":        d.FullName,
			"description": d.Description,
		}
		if len(d.InputSchema) > 0 {
			entry["inputSchema"] = json.RawMessage(d.InputSchema)
		}
		tools = append(tools, entry)
	}
	return mcp.NewResultMessage(msg, map[string]any{"tools": tools})
}

// handleToolCall resolves the owning upstream from the prefixed name,
// rewrites the request to carry the bare tool name, and dispatches.
func (r *UpstreamRouter) handleToolCall(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	fullName := msg.ToolName()

	desc, ok := r.table.Get(fullName)
	if !ok {
		return mcp.NewErrorMessage(msg, mcp.CodeInvalidParams, "unknown tool", map[string]any{
			"tool": fullName,
		}), nil
	}

	forwarded, err := r.stripPrefix(msg, desc.Name)
	if err != nil {
		return nil, err
	}

	resp, err := r.dispatcher.Dispatch(ctx, desc.UpstreamID, forwarded)
	if err != nil {
		r.logger.Warn("tool call dispatch failed",
			"tool", fullName, "upstream_id", desc.UpstreamID, "error", err)
		return nil, err
	}
	return resp, nil
}

// stripPrefix rewrites a tools/call request so the upstream sees its own
// tool name rather than the aggregated prefixed one.
func (r *UpstreamRouter) stripPrefix(msg *mcp.Message, bareName string) (*mcp.Message, error) {
	params := msg.ParseParams()
	rewritten := make(map[string]any, len(params))
	for k, v := range params {
		rewritten[k] = v
	}
	rewritten["name"] = bareName

	out, err := mcp.NewRequestMessage(msg.RawID(), msg.Method(), rewritten)
	if err != nil {
		return nil, err
	}
	out.AgentID = msg.AgentID
	out.ClientIP = msg.ClientIP
	out.Timestamp = msg.Timestamp
	return out, nil
}

// handleResourcesList aggregates resource listings across every
// connected upstream and remembers each URI's owner so reads route back
// to it. Upstreams that fail to answer are skipped.
func (r *UpstreamRouter) handleResourcesList(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	merged := make([]map[string]any, 0)
	owners := make(map[string]string)
	for _, id := range r.dispatcher.ConnectedIDs() {
		resp, err := r.dispatcher.Dispatch(ctx, id, msg)
		if err != nil {
			r.logger.Warn("resource listing failed", "upstream_id", id, "error", err)
			continue
		}
		payload := resultObject(resp)
		if payload == nil {
			continue
		}
		items, _ := payload["resources"].([]any)
		for _, raw := range items {
			res, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if uri, _ := res["uri"].(string); uri != "" {
				owners[uri] = id
			}
			merged = append(merged, res)
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		ui, _ := merged[i]["uri"].(string)
		uj, _ := merged[j]["uri"].(string)
		return ui < uj
	})

	r.mu.Lock()
	r.resourceOwner = owners
	r.mu.Unlock()

	return mcp.NewResultMessage(msg, map[string]any{"resources": merged})
}

// handleResourcesRead routes a read to the upstream that listed the
// URI, falling back to the primary for URIs never listed.
func (r *UpstreamRouter) handleResourcesRead(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	uri, _ := msg.ParseParams()["uri"].(string)
	r.mu.Lock()
	owner, ok := r.resourceOwner[uri]
	r.mu.Unlock()
	if !ok {
		return r.dispatchPrimary(ctx, msg)
	}

	resp, err := r.dispatcher.Dispatch(ctx, owner, msg)
	if err != nil {
		r.logger.Warn("resource read dispatch failed", "uri", uri, "upstream_id", owner, "error", err)
		return nil, err
	}
	return resp, nil
}

// dispatchPrimary forwards non-tool traffic (prompts, unlisted
// resources) to the primary upstream.
func (r *UpstreamRouter) dispatchPrimary(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	id, ok := r.dispatcher.Primary()
	if !ok {
		return nil, &UpstreamUnavailableError{UpstreamID: "primary", Reason: "no connected upstream"}
	}

	resp, err := r.dispatcher.Dispatch(ctx, id, msg)
	if err != nil {
		r.logger.Warn("primary dispatch failed", "method", msg.Method(), "upstream_id", id, "error", err)
		return nil, err
	}
	return resp, nil
}
