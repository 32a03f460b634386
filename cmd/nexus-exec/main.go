// Package main provides the CLI entry point for the nexus-exec gateway.
//
// nexus-exec runs shell commands on behalf of agents under a policy: commands
// are risk-classified, checked against per-agent allowlists and, when the
// policy asks for it, held until an operator approves them.
//
// # Basic Usage
//
// Start the gateway:
//
//	nexus-exec serve --config nexus-exec.yaml
//
// Inspect a command locally:
//
//	nexus-exec classify -- rm -rf /tmp/build
//	nexus-exec policy explain -- ls -la
//
// Talk to a running gateway:
//
//	nexus-exec run -- make test
//	nexus-exec approvals list
//	nexus-exec approvals resolve <id> allow-once
//
// Attach this machine as an execution node:
//
//	nexus-exec node run --url ws://gateway:18790/ws --node-id build-01
//
// # Environment Variables
//
//   - NEXUS_EXEC_CONFIG: path to the configuration file
//   - NEXUS_EXEC_URL: gateway WebSocket URL for client commands
//   - NEXUS_EXEC_TOKEN: bearer token for client commands
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
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

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nexus-exec",
		Short: "Policy-gated command execution gateway",
		Long: `nexus-exec runs shell commands for agents under an execution policy.

Commands are classified by risk, matched against per-agent allowlists and
held for operator approval when policy requires it. Commands can run on the
gateway host, in a sandbox, or on paired nodes.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildClassifyCmd(),
		buildPolicyCmd(),
		buildRunCmd(),
		buildApprovalsCmd(),
		buildPanicCmd(),
		buildStatusCmd(),
		buildTokenCmd(),
		buildNodeCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
