package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/aegis-gateway/aegis/internal/domain/tool"
	"github.com/aegis-gateway/aegis/pkg/mcp"
)

// stubDispatcher records dispatched messages and replies with a canned
// result.
type stubDispatcher struct {
	mu         sync.Mutex
	upstreamID string
	forwarded  *mcp.Message
	primary    string
	err        error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, upstreamID string, msg *mcp.Message) (*mcp.Message, error) {
	d.mu.Lock()
	d.upstreamID = upstreamID
	d.forwarded = msg
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return mcp.NewResultMessage(msg, map[string]any{"ok": true})
}

func (d *stubDispatcher) Primary() (string, bool) {
	return d.primary, d.primary != ""
}

func (d *stubDispatcher) ConnectedIDs() []string {
	if d.primary == "" {
		return nil
	}
	return []string{d.primary}
}

type stubRefresher struct{ calls int }

func (r *stubRefresher) RefreshStale(ctx context.Context) { r.calls++ }

func seededTable() *tool.Table {
	table := tool.NewTable()
	table.SetUpstreamTools("up-files", "files", []*tool.Descriptor{
		{Name: "read_file", Description: "read a file"},
		{Name: "delete_file", Description: "delete a file"},
	})
	table.SetUpstreamTools("up-crm", "crm", []*tool.Descriptor{
		{Name: "lookup", Description: "look up a customer", InputSchema: json.RawMessage(`{"type":"object"}`)},
	})
	return table
}

func TestRouterInitializeAnsweredLocally(t *testing.T) {
	dispatcher := &stubDispatcher{primary: "up-files"}
	router := NewUpstreamRouter(dispatcher, nil, seededTable(), "1.0.0", testLogger())

	resp, err := router.Intercept(context.Background(), request(t, 1, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
	}))
	if err != nil {
		t.Fatal(err)
	}

	result := parseResult(t, resp)
	info, _ := result["serverInfo"].(map[string]any)
	if info == nil || info["name"] != "aegis" {
		t.Fatalf("serverInfo = %v", result["serverInfo"])
	}
	if dispatcher.forwarded != nil {
		t.Error("initialize must not reach an upstream")
	}
}

func TestRouterAggregatesToolsList(t *testing.T) {
	refresher := &stubRefresher{}
	router := NewUpstreamRouter(&stubDispatcher{}, refresher, seededTable(), "1.0.0", testLogger())

	resp, err := router.Intercept(context.Background(), request(t, 2, "tools/list", nil))
	if err != nil {
		t.Fatal(err)
	}
	if refresher.calls != 1 {
		t.Errorf("refresher calls = %d, want 1", refresher.calls)
	}

	result := parseResult(t, resp)
	tools, _ := result["tools"].([]any)
	if len(tools) != 3 {
		t.Fatalf("tools = %d, want 3", len(tools))
	}

	names := make([]string, 0, len(tools))
	for _, raw := range tools {
		entry := raw.(map[string]any)
		names = append(names, entry["name"].(string))
	}
	// Sorted by full name: crm__lookup, files__delete_file, files__read_file.
	want := []string{"crm__lookup", "files__delete_file", "files__read_file"}
	for i, n := range want {
		if names[i] != n {
			t.Errorf("names[%d] = %q, want %q", i, names[i], n)
		}
	}
}

func TestRouterStripsPrefixOnToolCall(t *testing.T) {
	dispatcher := &stubDispatcher{}
	router := NewUpstreamRouter(dispatcher, nil, seededTable(), "1.0.0", testLogger())

	_, err := router.Intercept(context.Background(), request(t, 3, "tools/call", map[string]any{
		"name":      "files__read_file",
		"arguments": map[string]any{"path": "/etc/hosts"},
	}))
	if err != nil {
		t.Fatal(err)
	}

	if dispatcher.upstreamID != "up-files" {
		t.Errorf("dispatched to %q, want up-files", dispatcher.upstreamID)
	}
	if dispatcher.forwarded == nil {
		t.Fatal("nothing forwarded")
	}
	if got := dispatcher.forwarded.ToolName(); got != "read_file" {
		t.Errorf("forwarded tool name = %q, want read_file", got)
	}
	args, _ := dispatcher.forwarded.ParseParams()["arguments"].(map[string]any)
	if args["path"] != "/etc/hosts" {
		t.Errorf("arguments not preserved: %v", args)
	}
}

func TestRouterRejectsUnknownTool(t *testing.T) {
	router := NewUpstreamRouter(&stubDispatcher{}, nil, seededTable(), "1.0.0", testLogger())

	resp, err := router.Intercept(context.Background(), request(t, 4, "tools/call", map[string]any{
		"name": "files__no_such_tool",
	}))
	if err != nil {
		t.Fatal(err)
	}
	code, _, data := parseError(t, resp)
	if code != mcp.CodeInvalidParams {
		t.Fatalf("code = %d, want %d", code, mcp.CodeInvalidParams)
	}
	if data["tool"] != "files__no_such_tool" {
		t.Errorf("tool = %v", data["tool"])
	}
}

func TestRouterForwardsResourcesToPrimary(t *testing.T) {
	dispatcher := &stubDispatcher{primary: "up-files"}
	router := NewUpstreamRouter(dispatcher, nil, seededTable(), "1.0.0", testLogger())

	_, err := router.Intercept(context.Background(), request(t, 5, "resources/read", map[string]any{
		"uri": "file:///etc/hosts",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if dispatcher.upstreamID != "up-files" {
		t.Errorf("dispatched to %q, want up-files", dispatcher.upstreamID)
	}
}

// resourceDispatcher serves per-upstream resource listings.
type resourceDispatcher struct {
	connected []string
	resources map[string][]any
	lastRead  string
}

func (d *resourceDispatcher) Dispatch(_ context.Context, upstreamID string, msg *mcp.Message) (*mcp.Message, error) {
	switch msg.Method() {
	case "resources/list":
		return mcp.NewResultMessage(msg, map[string]any{"resources": d.resources[upstreamID]})
	case "resources/read":
		d.lastRead = upstreamID
		return mcp.NewResultMessage(msg, map[string]any{"contents": []any{}})
	}
	return mcp.NewResultMessage(msg, map[string]any{})
}

func (d *resourceDispatcher) Primary() (string, bool) {
	if len(d.connected) == 0 {
		return "", false
	}
	return d.connected[0], true
}

func (d *resourceDispatcher) ConnectedIDs() []string { return d.connected }

func TestRouterAggregatesResourcesAcrossUpstreams(t *testing.T) {
	dispatcher := &resourceDispatcher{
		connected: []string{"up-files", "up-crm"},
		resources: map[string][]any{
			"up-files": {map[string]any{"uri": "file:///etc/hosts", "name": "hosts"}},
			"up-crm":   {map[string]any{"uri": "crm://customers", "name": "customers"}},
		},
	}
	router := NewUpstreamRouter(dispatcher, nil, seededTable(), "1.0.0", testLogger())

	resp, err := router.Intercept(context.Background(), request(t, 8, "resources/list", nil))
	if err != nil {
		t.Fatal(err)
	}
	result := parseResult(t, resp)
	resources, _ := result["resources"].([]any)
	if len(resources) != 2 {
		t.Fatalf("resources = %d, want 2", len(resources))
	}
	first, _ := resources[0].(map[string]any)
	if first["uri"] != "crm://customers" {
		t.Errorf("resources not sorted by uri: first = %v", first["uri"])
	}

	// A read of the secondary upstream's resource must reach that
	// upstream, not the primary.
	_, err = router.Intercept(context.Background(), request(t, 9, "resources/read", map[string]any{
		"uri": "crm://customers",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if dispatcher.lastRead != "up-crm" {
		t.Errorf("read dispatched to %q, want up-crm", dispatcher.lastRead)
	}
}

func TestRouterNoPrimaryUpstream(t *testing.T) {
	router := NewUpstreamRouter(&stubDispatcher{}, nil, seededTable(), "1.0.0", testLogger())

	_, err := router.Intercept(context.Background(), request(t, 6, "resources/read", map[string]any{
		"uri": "file:///x",
	}))
	var unavailable *UpstreamUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want UpstreamUnavailableError", err)
	}
}

func TestRouterConsumesInitializedNotification(t *testing.T) {
	router := NewUpstreamRouter(&stubDispatcher{primary: "up-files"}, nil, seededTable(), "1.0.0", testLogger())

	raw := []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	msg, err := mcp.WrapMessage(raw, mcp.ClientToServer)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := router.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Errorf("notification must not produce a response, got %s", resp.Raw)
	}
}
