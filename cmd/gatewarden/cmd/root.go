// Package cmd provides the CLI commands for Gatewarden.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gatewarden/gatewarden/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gatewarden",
	Short: "Gatewarden - API gateway security sidecar",
	Long: `Gatewarden is a security gateway for HTTP APIs.

It sits in front of backend services and enforces bearer token
authentication, role-based access, rate limiting, payload scanning,
and per-upstream resilience (bulkhead, circuit breaker, retry)
without requiring changes to the upstream services.

Quick start:
  1. Create a config file: gatewarden.yaml
  2. Run: gatewarden start

Configuration:
  Config is loaded from gatewarden.yaml in the current directory,
  $HOME/.gatewarden/, or /etc/gatewarden/.

  Environment variables can override config values with the GATEWARDEN_ prefix.
  Example: GATEWARDEN_LISTENER_ADDRESS=:9090

Commands:
  start       Start the gateway
  stop        Stop the running gateway
  config      Print the effective configuration
  hash-key    Generate a hash for an admin API key
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
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gatewarden.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
