package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aegis-gateway/aegis/pkg/mcp"
)

func rpcRequest(t *testing.T, id int, method string, params any) *mcp.Message {
	t.Helper()
	rawID, _ := json.Marshal(id)
	msg, err := mcp.NewRequestMessage(rawID, method, params)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestHTTPClientCallRoundTrip(t *testing.T) {
	var gotSession string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = r.Header.Get("Mcp-Session-Id")

		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}

		w.Header().Set("Mcp-Session-Id", "sess-1")
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(req.ID), "result": map[string]any{"ok": true}}
		if len(req.ID) == 0 {
			resp = map[string]any{"jsonrpc": "2.0", "id": nil, "result": map[string]any{}}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	defer func() { _ = client.Close() }()

	resp, err := client.Call(context.Background(), rpcRequest(t, 7, "tools/list", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || !resp.IsResponse() {
		t.Fatalf("resp = %+v", resp)
	}

	// Session from the first response must be echoed on the next call.
	if _, err := client.Call(context.Background(), rpcRequest(t, 8, "tools/list", nil)); err != nil {
		t.Fatal(err)
	}
	if gotSession != "sess-1" {
		t.Errorf("session header = %q, want sess-1", gotSession)
	}
}

func TestHTTPClientErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	defer func() { _ = client.Close() }()

	if _, err := client.Call(context.Background(), rpcRequest(t, 1, "tools/list", nil)); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestHTTPClientClosedRejectsCalls(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:0")
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Call(context.Background(), rpcRequest(t, 1, "ping", nil)); err == nil {
		t.Fatal("expected error after close")
	}

	select {
	case _, open := <-client.Notifications():
		if open {
			t.Error("notification channel delivered a message")
		}
	default:
		t.Error("notification channel not closed")
	}
}

func TestResponseIDClassification(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"response", `{"jsonrpc":"2.0","id":3,"result":{}}`, "3"},
		{"string id", `{"jsonrpc":"2.0","id":"abc","result":{}}`, `"abc"`},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`, ""},
		{"server request", `{"jsonrpc":"2.0","id":9,"method":"sampling/createMessage"}`, ""},
		{"null id", `{"jsonrpc":"2.0","id":null,"result":{}}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := responseID([]byte(tc.raw)); got != tc.want {
				t.Errorf("responseID = %q, want %q", got, tc.want)
			}
		})
	}
}
