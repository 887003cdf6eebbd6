// Package cmd provides the CLI commands for gcp-mcp-server.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gcp-mcp/gcp-mcp-server/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gcp-mcp-server",
	Short: "gcp-mcp-server - MCP gateway for Google Cloud tools",
	Long: `gcp-mcp-server exposes Google Cloud operations as Model Context Protocol
tools over stdio, HTTP and Server-Sent Events.

Every HTTP exchange passes header, origin and rate-limit checks before it
reaches the protocol server, and clients are tracked with server-issued
session ids (Mcp-Session-Id).

Quick start:
  gcp-mcp-server start            # HTTP + SSE on 127.0.0.1:8080
  gcp-mcp-server start --stdio    # stdio only, for local MCP clients

Configuration:
  Config is loaded from gcp-mcp-server.yaml in the current directory,
  $HOME/.gcp-mcp-server/, or /etc/gcp-mcp-server/.

  Environment variables override config values with the GCP_MCP_ prefix.
  Example: GCP_MCP_TRANSPORT_PORT=9090

Commands:
  start       Start the gateway
  stop        Stop the running gateway
  version     Print version information`,
	SilenceUsage: true,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gcp-mcp-server.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
