package enforce

import (
	"context"
	"strings"
	"testing"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

func anonymizeSpec(method string, fields ...string) decision.ConstraintSpec {
	params := map[string]any{"method": method}
	if len(fields) > 0 {
		list := make([]any, len(fields))
		for i, f := range fields {
			list[i] = f
		}
		params["fields"] = list
	}
	return decision.ConstraintSpec{Kind: decision.ConstraintAnonymize, Params: params}
}

func TestAnonymizerMasksNamedFields(t *testing.T) {
	a := NewAnonymizer()
	payload := map[string]any{
		"name":  "X",
		"email": "a@b",
		"phone": "1",
	}

	out, err := a.Apply(context.Background(), anonymizeSpec("mask", "email", "phone"), payload, &decision.Context{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out["name"] != "X" {
		t.Errorf("name = %v, want preserved", out["name"])
	}
	if out["email"] == "a@b" || out["phone"] == "1" {
		t.Errorf("pii fields not masked: %v", out)
	}
	if payload["email"] != "a@b" {
		t.Error("input payload mutated")
	}
}

func TestAnonymizerTraversesNestedStructures(t *testing.T) {
	a := NewAnonymizer()
	payload := map[string]any{
		"records": []any{
			map[string]any{"email": "first@example.com", "id": 1},
			map[string]any{"email": "second@example.com", "id": 2},
		},
	}

	out, err := a.Apply(context.Background(), anonymizeSpec("mask", "email"), payload, &decision.Context{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	records := out["records"].([]any)
	for i, r := range records {
		m := r.(map[string]any)
		if strings.Contains(m["email"].(string), "@") {
			t.Errorf("record %d email not masked: %v", i, m["email"])
		}
		if m["id"] == nil {
			t.Errorf("record %d id dropped", i)
		}
	}
}

func TestAnonymizerTokenizeIsStable(t *testing.T) {
	a := NewAnonymizer()
	payload := map[string]any{"email": "a@b.com"}

	first, err := a.Apply(context.Background(), anonymizeSpec("tokenize", "email"), payload, &decision.Context{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	second, _ := a.Apply(context.Background(), anonymizeSpec("tokenize", "email"), payload, &decision.Context{})

	tok := first["email"].(string)
	if !strings.HasPrefix(tok, "tok_") {
		t.Errorf("token = %q, want tok_ prefix", tok)
	}
	if tok != second["email"].(string) {
		t.Error("tokenization is not stable across calls")
	}
}

func TestAnonymizerAutoDetectsPII(t *testing.T) {
	a := NewAnonymizer()
	payload := map[string]any{
		"note": "contact alice@example.com or +1 (555) 123-4567",
	}

	out, err := a.Apply(context.Background(), anonymizeSpec("mask"), payload, &decision.Context{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	note := out["note"].(string)
	if strings.Contains(note, "alice@example.com") {
		t.Errorf("email survived auto-detection: %q", note)
	}
	if strings.Contains(note, "555) 123-4567") {
		t.Errorf("phone survived auto-detection: %q", note)
	}
	if !strings.Contains(note, "contact") {
		t.Errorf("non-pii text damaged: %q", note)
	}
}

func TestAnonymizerRejectsUnknownMethod(t *testing.T) {
	a := NewAnonymizer()
	_, err := a.Apply(context.Background(), anonymizeSpec("rot13", "email"), map[string]any{"email": "a@b"}, &decision.Context{})
	if err == nil {
		t.Error("unknown method accepted")
	}
}
