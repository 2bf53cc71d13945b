package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aegis-gateway/aegis/internal/config"
	"github.com/aegis-gateway/aegis/internal/domain/decision"
	"github.com/aegis-gateway/aegis/internal/domain/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() *policy.Policy {
	return &policy.Policy{
		ID:   "pol-nl",
		Name: "business hours",
		Text: "Research agents may read files during business hours.",
	}
}

func testContext() *decision.Context {
	return &decision.Context{
		AgentID:   "agent-1",
		Action:    "tools/call",
		Resource:  "fs__read_file",
		Timestamp: time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC),
	}
}

func newTestClient(url string) *Client {
	return New(config.LLMConfig{
		Model:               "test-model",
		APIKey:              "sk-test",
		BaseURL:             url,
		MaxAttempts:         3,
		RetryInitialDelayMs: 1,
	}, testLogger())
}

func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	resp := map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"content": content}}},
		"usage":   map[string]any{"prompt_tokens": 120, "completion_tokens": 40},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Fatalf("encode reply: %v", err)
	}
}

func TestJudgeParsesVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		chatReply(t, w, "```json\n"+`{"decision":"PERMIT","reason":"within business hours","confidence":0.9,"constraints":[{"kind":"anonymize","params":{"method":"mask"}}]}`+"\n```")
	}))
	defer srv.Close()

	j, err := newTestClient(srv.URL).Judge(context.Background(), testPolicy(), testContext())
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if j.Outcome != decision.Permit || j.Confidence != 0.9 {
		t.Errorf("judgment = %+v", j)
	}
	if j.Attempts != 1 || j.Model != "test-model" {
		t.Errorf("metadata = %+v", j)
	}
	if j.PromptTokens != 120 || j.CompletionTokens != 40 {
		t.Errorf("usage = %d/%d", j.PromptTokens, j.CompletionTokens)
	}
	if len(j.Constraints) != 1 || j.Constraints[0].Kind != "anonymize" {
		t.Errorf("constraints = %+v", j.Constraints)
	}
}

func TestJudgeRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "upstream overloaded", http.StatusBadGateway)
			return
		}
		chatReply(t, w, `{"decision":"DENY","reason":"outside business hours","confidence":0.95}`)
	}))
	defer srv.Close()

	j, err := newTestClient(srv.URL).Judge(context.Background(), testPolicy(), testContext())
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if j.Outcome != decision.Deny {
		t.Errorf("outcome = %s, want DENY", j.Outcome)
	}
	if j.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", j.Attempts)
	}
}

func TestJudgeExhaustedRetriesYieldIndeterminate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	j, err := newTestClient(srv.URL).Judge(context.Background(), testPolicy(), testContext())
	if err != nil {
		t.Fatalf("Judge must not error on provider failure, got %v", err)
	}
	if j.Outcome != decision.Indeterminate {
		t.Errorf("outcome = %s, want INDETERMINATE", j.Outcome)
	}
	if j.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", j.Attempts)
	}
}

func TestJudgeDoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	j, err := newTestClient(srv.URL).Judge(context.Background(), testPolicy(), testContext())
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if j.Outcome != decision.Indeterminate {
		t.Errorf("outcome = %s, want INDETERMINATE", j.Outcome)
	}
	if calls.Load() != 1 {
		t.Errorf("provider called %d times for a 401, want 1", calls.Load())
	}
}

func TestJudgeRepairsInvalidVerdict(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if calls.Add(1) == 1 {
			chatReply(t, w, "Sure! The request should be permitted.")
			return
		}
		// The repair round must include the broken reply and a repair
		// instruction.
		if len(req.Messages) < 4 {
			t.Errorf("repair round carries %d messages, want ≥ 4", len(req.Messages))
		}
		chatReply(t, w, `{"decision":"PERMIT","reason":"ok","confidence":0.8}`)
	}))
	defer srv.Close()

	j, err := newTestClient(srv.URL).Judge(context.Background(), testPolicy(), testContext())
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if j.Outcome != decision.Permit {
		t.Errorf("outcome = %s, want PERMIT after repair", j.Outcome)
	}
	if j.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", j.Attempts)
	}
}

func TestJudgeRejectsOutOfRangeConfidence(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		chatReply(t, w, `{"decision":"PERMIT","reason":"ok","confidence":1.7}`)
	}))
	defer srv.Close()

	j, err := newTestClient(srv.URL).Judge(context.Background(), testPolicy(), testContext())
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if j.Outcome != decision.Indeterminate {
		t.Errorf("outcome = %s, want INDETERMINATE for schema-invalid verdicts", j.Outcome)
	}
}

func TestCheckClarity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		chatReply(t, w, `["\"business hours\" is undefined","\"research agents\" has no registry"]`)
	}))
	defer srv.Close()

	issues, err := newTestClient(srv.URL).CheckClarity(context.Background(), "Research agents may read files during business hours.")
	if err != nil {
		t.Fatalf("CheckClarity: %v", err)
	}
	if len(issues) != 2 {
		t.Errorf("issues = %v, want 2", issues)
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tt := range tests {
		if got := stripFences(tt.in); got != tt.want {
			t.Errorf("stripFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
