// Package cmd provides the CLI commands for the aegis gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "aegis",
	Short: "aegis - policy enforcement gateway for MCP",
	Long: `aegis is a transparent policy-enforcement proxy for Model Context
Protocol (MCP) servers. It sits between agents and upstream MCP servers,
evaluates every tool call against versioned policies (structured ODRL
rules plus natural-language text judged by an LLM), enforces the
decision with constraints and obligations, and records an append-only
audit trail.

Quick start:
  1. Write aegis.yaml and upstreams.yaml
  2. Run: aegis start

Configuration:
  Config is read from aegis.yaml in the current directory, ./config/,
  or /etc/aegis/. Environment variables override file values with the
  AEGIS_ prefix (AEGIS_SERVER_PORT=9090); the short deployment names
  (LLM_API_KEY, DECISION_TIMEOUT_MS, ...) work as well.

Commands:
  start       Start the gateway
  hash-token  Generate an argon2id hash for a bearer token
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./aegis.yaml)")
}
