package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultGatewayURL = "ws://127.0.0.1:18790/ws"

// clientFlags are shared by commands that talk to a running gateway.
type clientFlags struct {
	url     string
	token   string
	timeout int
}

func (f *clientFlags) register(cmd *cobra.Command) {
	url := os.Getenv("NEXUS_EXEC_URL")
	if url == "" {
		url = defaultGatewayURL
	}
	cmd.Flags().StringVar(&f.url, "url", url, "Gateway WebSocket URL (or set NEXUS_EXEC_URL)")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("NEXUS_EXEC_TOKEN"), "Bearer token (or set NEXUS_EXEC_TOKEN)")
	cmd.Flags().IntVar(&f.timeout, "timeout", 30, "Request timeout in seconds")
}

func configFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "config", "c", os.Getenv("NEXUS_EXEC_CONFIG"),
		"Path to YAML or JSON5 configuration file (or set NEXUS_EXEC_CONFIG)")
}

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the exec gateway",
		Long: `Start the exec gateway.

The gateway loads the approvals file, takes a lock so only one gateway
serves it, and listens for WebSocket clients and nodes. Graceful shutdown
is handled on SIGINT/SIGTERM.`,
		Example: `  nexus-exec serve
  nexus-exec serve --config /etc/nexus/exec.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	configFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Local Inspection Commands
// =============================================================================

func buildClassifyCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "classify -- <command>",
		Short: "Print the risk tier of a shell command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify(cmd, joinArgs(args), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func buildPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the execution policy",
	}
	cmd.AddCommand(buildPolicyExplainCmd())
	return cmd
}

func buildPolicyExplainCmd() *cobra.Command {
	var opts explainOptions
	cmd := &cobra.Command{
		Use:   "explain -- <command>",
		Short: "Show how policy would treat a command",
		Long: `Resolve the effective host, security and ask levels for a command and
report whether it would run, need approval, or be denied. Nothing is executed.`,
		Example: `  nexus-exec policy explain -- git status
  nexus-exec policy explain --agent ci --security full -- make deploy`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.command = joinArgs(args)
			return runPolicyExplain(cmd, opts)
		},
	}
	configFlag(cmd, &opts.configPath)
	cmd.Flags().StringVar(&opts.agent, "agent", "", "Agent id")
	cmd.Flags().StringVar(&opts.host, "host", "", "Requested host: sandbox, gateway or node")
	cmd.Flags().StringVar(&opts.security, "security", "", "Requested security: deny, allowlist or full")
	cmd.Flags().StringVar(&opts.ask, "ask", "", "Requested ask mode: off, on-miss or always")
	cmd.Flags().BoolVar(&opts.elevated, "elevated", false, "Request elevated execution")
	cmd.Flags().StringVar(&opts.cwd, "cwd", "", "Working directory used for path resolution")
	return cmd
}

// =============================================================================
// Client Commands
// =============================================================================

func buildRunCmd() *cobra.Command {
	var (
		flags clientFlags
		opts  runOptions
	)
	cmd := &cobra.Command{
		Use:   "run -- <command>",
		Short: "Run a command through the gateway",
		Example: `  nexus-exec run -- ls -la
  nexus-exec run --host node --node-id build-01 -- make test
  nexus-exec run --wait -- rm -rf ./dist`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.command = joinArgs(args)
			return runRun(cmd, flags, opts)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&opts.host, "host", "", "Execution host: sandbox, gateway or node")
	cmd.Flags().StringVar(&opts.nodeID, "node-id", "", "Node to run on when --host=node")
	cmd.Flags().StringVar(&opts.security, "security", "", "Requested security level")
	cmd.Flags().StringVar(&opts.ask, "ask", "", "Requested ask mode")
	cmd.Flags().StringVar(&opts.workdir, "workdir", "", "Working directory")
	cmd.Flags().StringVar(&opts.sessionKey, "session-key", "", "Session key used for aborts")
	cmd.Flags().StringVar(&opts.agent, "agent", "", "Agent id")
	cmd.Flags().IntVar(&opts.timeoutSec, "exec-timeout", 0, "Command timeout in seconds")
	cmd.Flags().BoolVar(&opts.background, "background", false, "Start in the background and return the session id")
	cmd.Flags().BoolVar(&opts.elevated, "elevated", false, "Request elevated execution")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "Wait for approval and the run's result events")
	return cmd
}

func buildApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "approvals",
		Aliases: []string{"approval"},
		Short:   "List and resolve pending exec approvals",
	}
	cmd.AddCommand(buildApprovalsListCmd(), buildApprovalsResolveCmd())
	return cmd
}

func buildApprovalsListCmd() *cobra.Command {
	var (
		flags clientFlags
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprovalsList(cmd, flags, all)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "Include resolved approvals")
	return cmd
}

func buildApprovalsResolveCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "resolve <id> <allow-once|allow-always|deny>",
		Short: "Resolve a pending approval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprovalsResolve(cmd, flags, args[0], args[1])
		},
	}
	flags.register(cmd)
	return cmd
}

func buildPanicCmd() *cobra.Command {
	var (
		flags  clientFlags
		reason string
	)
	cmd := &cobra.Command{
		Use:   "panic",
		Short: "Abort every run and pending approval on the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPanic(cmd, flags, reason)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the abort")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

// =============================================================================
// Token Command
// =============================================================================

func buildTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage gateway credentials",
	}
	cmd.AddCommand(buildTokenIssueCmd())
	return cmd
}

func buildTokenIssueCmd() *cobra.Command {
	var opts tokenOptions
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed JWT for a client",
		Example: `  nexus-exec token issue --id alice --scope operator.read --scope operator.approvals
  nexus-exec token issue --id build-01 --role node`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenIssue(cmd, opts)
		},
	}
	configFlag(cmd, &opts.configPath)
	cmd.Flags().StringVar(&opts.id, "id", "", "Client id")
	cmd.Flags().StringVar(&opts.role, "role", "operator", "Role: operator or node")
	cmd.Flags().StringSliceVar(&opts.scopes, "scope", nil, "Scope to grant (repeatable)")
	cmd.Flags().StringVar(&opts.name, "name", "", "Display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// =============================================================================
// Node Command
// =============================================================================

func buildNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run this machine as an execution node",
	}
	cmd.AddCommand(buildNodeRunCmd())
	return cmd
}

func buildNodeRunCmd() *cobra.Command {
	var (
		flags clientFlags
		opts  nodeOptions
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to a gateway and serve system.run requests",
		Long: `Connect to a gateway as a node and serve system.run, system.which and
system.run.cancel. The node reconnects with backoff until it is revoked or
interrupted. With --policy-config the node also applies its own allowlist
before running anything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, flags, opts)
		},
	}
	flags.register(cmd)
	hostname, _ := os.Hostname()
	cmd.Flags().StringVar(&opts.nodeID, "node-id", hostname, "Node id")
	cmd.Flags().StringVar(&opts.name, "name", "", "Display name")
	cmd.Flags().StringVar(&opts.shell, "shell", "", "Shell used for commands")
	cmd.Flags().IntVar(&opts.maxConcurrent, "max-concurrent", 8, "Concurrent system.run limit")
	cmd.Flags().StringVar(&opts.policyConfig, "policy-config", "", "Configuration file whose exec policy the node enforces locally")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Config Command
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
		buildConfigValidateCmd(),
	)
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	configFlag(cmd, &configPath)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nexus-exec %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
