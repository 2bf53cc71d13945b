// Package upstream contains domain types for upstream MCP server
// configuration and connection state.
package upstream

import (
	"fmt"
	"net/url"
	"regexp"
)

// Transport identifies the protocol used to reach an upstream server.
type Transport string

const (
	// TransportStdio spawns the upstream as a child process and speaks
	// newline-delimited JSON on its stdin/stdout.
	TransportStdio Transport = "stdio"
	// TransportHTTP posts JSON-RPC to a remote endpoint.
	TransportHTTP Transport = "http"
)

// ConnectionStatus is the runtime connection state of an upstream.
type ConnectionStatus string

const (
	// StatusConnected indicates the upstream is operational.
	StatusConnected ConnectionStatus = "connected"
	// StatusDisconnected indicates the upstream is not connected.
	StatusDisconnected ConnectionStatus = "disconnected"
	// StatusConnecting indicates a connection attempt is in progress.
	StatusConnecting ConnectionStatus = "connecting"
	// StatusError indicates a connection error.
	StatusError ConnectionStatus = "error"
)

// namePattern allows alphanumeric, hyphens, and underscores. Names become
// tool-name prefixes, so spaces and separators are excluded.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// nameMaxLength is the maximum allowed length for an upstream name.
const nameMaxLength = 100

// Upstream is one configured upstream MCP server.
type Upstream struct {
	// ID is the unique identifier.
	ID string `json:"id" yaml:"id"`
	// Name is the unique display name, used as the tool-name prefix.
	Name string `json:"name" yaml:"name"`
	// Transport is stdio or http.
	Transport Transport `json:"transport" yaml:"transport"`
	// Enabled controls whether the upstream is spawned and aggregated.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Command, Args, Env, and Dir describe the executable (stdio only).
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`

	// URL is the endpoint (HTTP only).
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// MaxInflight bounds concurrent requests queued for this upstream.
	// Beyond the bound the proxy fails fast with "upstream unavailable".
	// Zero applies the configured default.
	MaxInflight int `json:"maxInflight,omitempty" yaml:"max_inflight,omitempty"`
}

// Validate checks that the upstream configuration is usable.
func (u *Upstream) Validate() error {
	if u.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(u.Name) > nameMaxLength {
		return fmt.Errorf("name exceeds %d characters", nameMaxLength)
	}
	if !namePattern.MatchString(u.Name) {
		return fmt.Errorf("name %q contains invalid characters", u.Name)
	}

	switch u.Transport {
	case TransportStdio:
		if u.Command == "" {
			return fmt.Errorf("stdio upstream %q requires a command", u.Name)
		}
	case TransportHTTP:
		if u.URL == "" {
			return fmt.Errorf("http upstream %q requires a url", u.Name)
		}
		parsed, err := url.Parse(u.URL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("http upstream %q has invalid url %q", u.Name, u.URL)
		}
	default:
		return fmt.Errorf("upstream %q has unknown transport %q", u.Name, u.Transport)
	}
	return nil
}
