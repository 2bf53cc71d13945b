package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/aegis-gateway/aegis/internal/cache"
	"github.com/aegis-gateway/aegis/internal/domain/proxy"
	"github.com/aegis-gateway/aegis/internal/domain/tool"
	"github.com/aegis-gateway/aegis/pkg/mcp"
)

// UpstreamDirectory is the slice of the upstream manager the discovery
// service needs: dispatch and name resolution.
type UpstreamDirectory interface {
	Dispatch(ctx context.Context, upstreamID string, msg *mcp.Message) (*mcp.Message, error)
	Name(upstreamID string) (string, bool)
}

// ToolDiscovery keeps the aggregated tool table in sync with upstreams:
// full discovery on connect, refetch of stale listings before aggregated
// reads, and cache purging when an upstream announces a tool change.
// It implements proxy.ToolRefresher and proxy.Invalidator.
type ToolDiscovery struct {
	upstreams UpstreamDirectory
	table     *tool.Table
	cache     *cache.DecisionCache
	mu        sync.Mutex
	logger    *slog.Logger
}

// NewToolDiscovery creates the service. cache may be nil.
func NewToolDiscovery(upstreams UpstreamDirectory, table *tool.Table, decisionCache *cache.DecisionCache, logger *slog.Logger) *ToolDiscovery {
	return &ToolDiscovery{
		upstreams: upstreams,
		table:     table,
		cache:     decisionCache,
		logger:    logger.With("component", "tool_discovery"),
	}
}

var (
	_ proxy.ToolRefresher = (*ToolDiscovery)(nil)
	_ proxy.Invalidator   = (*ToolDiscovery)(nil)
)

// Discover fetches an upstream's tool listing and registers it under the
// upstream's name prefix.
func (s *ToolDiscovery) Discover(ctx context.Context, upstreamID string) error {
	name, ok := s.upstreams.Name(upstreamID)
	if !ok {
		return fmt.Errorf("unknown upstream %q", upstreamID)
	}

	id, _ := json.Marshal("discover-" + uuid.NewString())
	req, err := mcp.NewRequestMessage(id, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("building tools/list: %w", err)
	}

	resp, err := s.upstreams.Dispatch(ctx, upstreamID, req)
	if err != nil {
		return fmt.Errorf("listing tools on %s: %w", name, err)
	}

	tools, err := parseToolListing(resp)
	if err != nil {
		return fmt.Errorf("parsing tool listing from %s: %w", name, err)
	}

	s.table.SetUpstreamTools(upstreamID, name, tools)
	s.logger.Info("tools discovered", "upstream", name, "count", len(tools))
	return nil
}

// RefreshStale refetches listings for upstreams marked stale. Failures
// leave the stale mark in place so the next read retries.
func (s *ToolDiscovery) RefreshStale(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.table.StaleUpstreams() {
		if err := s.Discover(ctx, id); err != nil {
			s.logger.Warn("stale refresh failed", "upstream_id", id, "error", err)
		}
	}
}

// InvalidateUpstream reacts to a tools/list_changed notification: the
// listing is marked stale and cached decisions are dropped, since they
// may reference tools that no longer exist or have changed semantics.
func (s *ToolDiscovery) InvalidateUpstream(upstreamID string) {
	s.table.Invalidate(upstreamID)
	if s.cache != nil {
		s.cache.Purge()
	}
	s.logger.Info("tool listing invalidated", "upstream_id", upstreamID)
}

// OnConnect is the upstream manager hook: discover tools as soon as the
// connection is up.
func (s *ToolDiscovery) OnConnect(ctx context.Context, upstreamID string) {
	if err := s.Discover(ctx, upstreamID); err != nil {
		s.logger.Warn("initial discovery failed", "upstream_id", upstreamID, "error", err)
		s.table.Invalidate(upstreamID)
	}
}

// parseToolListing extracts descriptors from a tools/list response.
func parseToolListing(resp *mcp.Message) ([]*tool.Descriptor, error) {
	var envelope struct {
		Result struct {
			Tools []struct {
				Name        string          `json:"name"`
				Description string          `json:"description"`
				InputSchema json.RawMessage `json:"inputSchema"`
			} `json:"tools"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Raw, &envelope); err != nil {
		return nil, err
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("upstream error: %s", envelope.Error.Message)
	}

	tools := make([]*tool.Descriptor, 0, len(envelope.Result.Tools))
	for _, t := range envelope.Result.Tools {
		if t.Name == "" {
			continue
		}
		tools = append(tools, &tool.Descriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return tools, nil
}
