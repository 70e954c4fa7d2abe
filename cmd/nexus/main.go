// Package main provides the CLI entry point for the agent execution core.
//
// nexus wires configuration, an LLM provider, session storage, and the
// agent runtime together behind two subcommands: "run" drives a single
// turn to completion and prints the result, "serve" starts the long-lived
// process (health/metrics endpoints, graceful shutdown on SIGINT/SIGTERM).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "nexus",
		Short:        "nexus - agent execution core",
		Long:         "nexus drives an LLM-backed agentic loop: tool execution, retry/compensation, and streaming events over a configured provider and session store.",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildRunCmd(), buildServeCmd())
	return rootCmd
}
