package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// envPrefix namespaces aegis environment variables: AEGIS_SERVER_PORT,
// AEGIS_DECISION_TIMEOUT_MS, and so on.
const envPrefix = "AEGIS"

// envAliases maps short deployment-contract names onto nested config
// keys, so LLM_API_KEY works without the AEGIS_LLM_ prefix.
var envAliases = map[string]string{
	"llm.provider":                 "LLM_PROVIDER",
	"llm.model":                    "LLM_MODEL",
	"llm.api_key":                  "LLM_API_KEY",
	"llm.base_url":                 "LLM_BASE_URL",
	"decision.timeout_ms":          "DECISION_TIMEOUT_MS",
	"decision.confidence_threshold": "CONFIDENCE_THRESHOLD",
	"decision.conflict_strategy":   "CONFLICT_STRATEGY",
	"server.port":                  "PORT",
	"server.request_timeout_ms":    "REQUEST_TIMEOUT_MS",
	"cache.enabled":                "CACHE_ENABLED",
	"cache.l1_size":                "CACHE_L1_SIZE",
	"cache.permit_ttl_ms":          "CACHE_PERMIT_TTL_MS",
	"cache.deny_ttl_ms":            "CACHE_DENY_TTL_MS",
	"cache.redis_addr":             "CACHE_REDIS_ADDR",
	"rate_limit.limit":             "RATE_LIMIT_DEFAULT",
	"policy_store.path":            "POLICY_STORE_PATH",
	"upstreams.config_path":        "UPSTREAM_CONFIG",
	"audit.dir":                    "AUDIT_DIR",
}

// configSearchPaths lists where a config file is looked for, in order.
var configSearchPaths = []string{
	".",
	"./config",
	"/etc/aegis",
}

// InitViper prepares a viper instance: config file discovery, environment
// binding, and defaults. An explicit path overrides discovery; a missing
// file is not an error since env-only deployments are supported.
func InitViper(explicitPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", explicitPath, err)
		}
	} else if path := findConfigFile(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	setDefaults(v)
	return v, nil
}

// findConfigFile returns the first aegis.yaml found on the search path.
func findConfigFile() string {
	for _, dir := range configSearchPaths {
		for _, name := range []string{"aegis.yaml", "aegis.yml"} {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path
			}
		}
	}
	return ""
}

// bindEnvKeys binds each aliased key to both its prefixed form and the
// short deployment name. AutomaticEnv alone does not see keys absent from
// the config file, so nested keys are bound explicitly.
func bindEnvKeys(v *viper.Viper) {
	for key, alias := range envAliases {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		// BindEnv never fails for a non-empty key.
		_ = v.BindEnv(key, prefixed, alias)
	}
}

// setDefaults registers defaults for keys that need a concrete value
// before validation.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.request_timeout_ms", 30000)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.retry_initial_delay_ms", 1000)
	v.SetDefault("llm.retry_backoff_factor", 2.0)

	v.SetDefault("decision.timeout_ms", 5000)
	v.SetDefault("decision.confidence_threshold", 0.7)
	v.SetDefault("decision.conflict_strategy", "priority")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.l1_size", 10000)
	v.SetDefault("cache.permit_ttl_ms", 300000)
	v.SetDefault("cache.deny_ttl_ms", 60000)

	v.SetDefault("rate_limit.limit", 1000)
	v.SetDefault("rate_limit.window_ms", 60000)

	v.SetDefault("policy_store.backend", "file")
	v.SetDefault("policy_store.path", "./data/policies")

	v.SetDefault("audit.dir", "./data/audit")
	v.SetDefault("audit.retention_days", 90)
	v.SetDefault("audit.buffer_size", 1024)
	v.SetDefault("audit.flush_interval_ms", 1000)

	v.SetDefault("upstreams.config_path", "./upstreams.yaml")
	v.SetDefault("upstreams.max_inflight", 64)

	v.SetDefault("enrichment.timeout_ms", 2000)
	v.SetDefault("enrichment.business_hours_start", "09:00")
	v.SetDefault("enrichment.business_hours_end", "17:00")
	v.SetDefault("enrichment.timezone", "UTC")
}

// Load reads, unmarshals, and validates the full configuration.
func Load(explicitPath string) (*Config, error) {
	v, err := InitViper(explicitPath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
