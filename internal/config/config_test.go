package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.Server.Port; got != 8080 {
		t.Errorf("Server.Port = %d, want 8080", got)
	}
	if got := cfg.Decision.Timeout(); got != 5*time.Second {
		t.Errorf("Decision.Timeout() = %v, want 5s", got)
	}
	if got := cfg.Decision.Threshold(); got != 0.7 {
		t.Errorf("Decision.Threshold() = %v, want 0.7", got)
	}
	if got := cfg.Cache.PermitTTL(); got != 5*time.Minute {
		t.Errorf("Cache.PermitTTL() = %v, want 5m", got)
	}
	if got := cfg.Cache.DenyTTL(); got != time.Minute {
		t.Errorf("Cache.DenyTTL() = %v, want 1m", got)
	}
	if got := cfg.RateLimit.EffectiveLimit(); got != 1000 {
		t.Errorf("RateLimit.EffectiveLimit() = %d, want 1000", got)
	}
	if !cfg.Cache.IsEnabled() {
		t.Error("Cache.IsEnabled() = false, want true by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DECISION_TIMEOUT_MS", "1200")
	t.Setenv("CONFLICT_STRATEGY", "strict")
	t.Setenv("LLM_MODEL", "gpt-4o-mini")
	t.Setenv("PORT", "9090")

	cfg, err := Load(writeConfig(t, "{}"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.Decision.Timeout(); got != 1200*time.Millisecond {
		t.Errorf("Decision.Timeout() = %v, want 1.2s", got)
	}
	if got := string(cfg.Decision.Strategy()); got != "strict" {
		t.Errorf("Decision.Strategy() = %q, want strict", got)
	}
	if got := cfg.LLM.Model; got != "gpt-4o-mini" {
		t.Errorf("LLM.Model = %q, want gpt-4o-mini", got)
	}
	if got := cfg.Server.Port; got != 9090 {
		t.Errorf("Server.Port = %d, want 9090", got)
	}
}

func TestLoadFileValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8443
  log_level: debug
decision:
  conflict_strategy: consensus
cache:
  enabled: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8443 {
		t.Errorf("Server.Port = %d, want 8443", cfg.Server.Port)
	}
	if got := string(cfg.Decision.Strategy()); got != "consensus" {
		t.Errorf("Decision.Strategy() = %q, want consensus", got)
	}
	if cfg.Cache.IsEnabled() {
		t.Error("Cache.IsEnabled() = true, want false")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad strategy", "decision:\n  conflict_strategy: majority\n"},
		{"bad log level", "server:\n  log_level: trace\n"},
		{"bad port", "server:\n  port: 99999\n"},
		{"bad threshold", "decision:\n  confidence_threshold: 1.5\n"},
		{"bad timezone", "enrichment:\n  timezone: Mars/Olympus\n"},
		{"bad business hours", "enrichment:\n  business_hours_start: 25:00\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Error("Load() error = nil, want validation error")
			}
		})
	}
}

func TestLoadUpstreams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upstreams.yaml")
	content := `
upstreams:
  - name: filesystem
    transport: stdio
    enabled: true
    command: mcp-fs
  - name: search
    transport: http
    enabled: true
    url: http://localhost:7001/mcp
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	ups, err := LoadUpstreams(path)
	if err != nil {
		t.Fatalf("LoadUpstreams() error = %v", err)
	}
	if len(ups) != 2 {
		t.Fatalf("len(upstreams) = %d, want 2", len(ups))
	}
	if ups[0].ID == "" {
		t.Error("first upstream has empty generated ID")
	}
	if ups[1].URL != "http://localhost:7001/mcp" {
		t.Errorf("second upstream URL = %q", ups[1].URL)
	}
}

func TestLoadUpstreamsRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upstreams.yaml")
	content := `
upstreams:
  - name: fs
    transport: stdio
    command: a
  - name: fs
    transport: stdio
    command: b
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadUpstreams(path); err == nil {
		t.Error("LoadUpstreams() error = nil, want duplicate-name error")
	}
}

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aegis.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
