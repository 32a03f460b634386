package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-exec/internal/approvals"
	"github.com/haasonsaas/nexus-exec/internal/auth"
	"github.com/haasonsaas/nexus-exec/internal/config"
	"github.com/haasonsaas/nexus-exec/internal/exec"
	"github.com/haasonsaas/nexus-exec/internal/execerr"
	"github.com/haasonsaas/nexus-exec/internal/execpolicy"
	"github.com/haasonsaas/nexus-exec/internal/gatewayclient"
	"github.com/haasonsaas/nexus-exec/internal/rbac"
)

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// loadConfig loads path, or returns defaults when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// Local Inspection Handlers
// =============================================================================

func runClassify(cmd *cobra.Command, command string, asJSON bool) error {
	assessment := exec.Assess(command)
	warning := exec.Warning(assessment)
	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, map[string]any{
			"command":  command,
			"tier":     int(assessment.Tier),
			"tierName": assessment.Tier.String(),
			"binary":   assessment.Binary,
			"reasons":  assessment.Reasons,
			"warning":  warning,
		})
	}
	fmt.Fprintf(out, "Tier: %d (%s)\n", assessment.Tier, assessment.Tier)
	if assessment.Binary != "" {
		fmt.Fprintf(out, "Binary: %s\n", assessment.Binary)
	}
	for _, reason := range assessment.Reasons {
		fmt.Fprintf(out, "  - %s\n", reason)
	}
	if warning != "" {
		fmt.Fprintln(out, warning)
	}
	return nil
}

type explainOptions struct {
	configPath string
	command    string
	agent      string
	host       string
	security   string
	ask        string
	cwd        string
	elevated   bool
}

type explanation struct {
	Command    string                 `json:"command"`
	AgentID    string                 `json:"agentId"`
	Risk       exec.Assessment        `json:"risk"`
	Resolution execpolicy.Resolution  `json:"resolution"`
	Evaluation execpolicy.Evaluation  `json:"evaluation"`
	Decision   execpolicy.Decision    `json:"decision"`
	Policy     execpolicy.AgentPolicy `json:"policy"`
}

func explainCommand(cfg *config.Config, opts explainOptions) (explanation, error) {
	var req execpolicy.Requested
	var err error
	if opts.host != "" {
		if req.Host, err = execpolicy.ParseHost(opts.host); err != nil {
			return explanation{}, err
		}
	}
	if opts.security != "" {
		if req.Security, err = execpolicy.ParseSecurity(opts.security); err != nil {
			return explanation{}, err
		}
	}
	if opts.ask != "" {
		if req.Ask, err = execpolicy.ParseAsk(opts.ask); err != nil {
			return explanation{}, err
		}
	}

	store := execpolicy.NewStore(execpolicy.StoreConfig{
		Path:      cfg.Exec.ApprovalsPath,
		Defaults:  cfg.Exec.Defaults,
		Allowlist: cfg.Exec.Allowlist,
		SafeBins:  cfg.Exec.SafeBins,
	})
	if err := store.Load(); err != nil {
		return explanation{}, err
	}
	policy := store.Resolve(opts.agent)
	defaults := policy.Defaults
	if defaults.Host == "" {
		defaults.Host = execpolicy.HostGateway
		if cfg.Exec.Hosts.SandboxContainer != "" {
			defaults.Host = execpolicy.HostSandbox
		}
	}

	mode := execpolicy.ElevatedOff
	if opts.elevated {
		mode = cfg.Exec.Elevated
		if mode == execpolicy.ElevatedOff {
			return explanation{}, execerr.New(execerr.KindDenied, "elevated execution is disabled")
		}
	}

	ex := explanation{
		Command: opts.command,
		AgentID: policy.AgentID,
		Risk:    exec.Assess(opts.command),
		Policy:  policy,
	}
	ex.Resolution = execpolicy.Resolve(req, defaults, mode)
	ex.Evaluation = execpolicy.Evaluate(opts.command, policy.Allowlist, policy.SafeBins, opts.cwd, nil)
	ex.Decision = execpolicy.Decide(ex.Resolution, ex.Evaluation, ex.Risk)
	return ex, nil
}

func runPolicyExplain(cmd *cobra.Command, opts explainOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	ex, err := explainCommand(cfg, opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Command:   %s\n", ex.Command)
	fmt.Fprintf(out, "Agent:     %s\n", ex.AgentID)
	fmt.Fprintf(out, "Risk:      %d (%s)\n", ex.Risk.Tier, ex.Risk.Tier)
	fmt.Fprintf(out, "Host:      %s\n", ex.Resolution.Host)
	fmt.Fprintf(out, "Security:  %s\n", ex.Resolution.Security)
	fmt.Fprintf(out, "Ask:       %s\n", ex.Resolution.Ask)
	fmt.Fprintf(out, "Allowlist: analysis ok=%t satisfied=%t", ex.Evaluation.AnalysisOK, ex.Evaluation.AllowlistSatisfied)
	if ex.Evaluation.Match != nil {
		fmt.Fprintf(out, " (matched %s)", ex.Evaluation.Match.Pattern)
	} else if ex.Evaluation.SafeBin {
		fmt.Fprint(out, " (safe bin)")
	}
	fmt.Fprintln(out)

	switch {
	case !ex.Decision.Allowed:
		fmt.Fprintf(out, "Decision:  deny (%s)\n", ex.Decision.Reason)
	case ex.Decision.RequiresApproval:
		fmt.Fprint(out, "Decision:  approval required")
		if ex.Decision.Reason != "" {
			fmt.Fprintf(out, " (%s)", ex.Decision.Reason)
		}
		fmt.Fprintln(out)
	default:
		fmt.Fprintln(out, "Decision:  run")
	}
	return nil
}

// =============================================================================
// Client Handlers
// =============================================================================

func dialGateway(ctx context.Context, flags clientFlags) (*gatewayclient.Client, error) {
	return gatewayclient.Dial(ctx, gatewayclient.Options{
		URL:     flags.url,
		Token:   flags.token,
		Version: version,
	})
}

// withClient dials, runs fn under the request timeout and closes the session.
func withClient(cmd *cobra.Command, flags clientFlags, fn func(context.Context, *gatewayclient.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if flags.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(flags.timeout)*time.Second)
		defer cancel()
	}
	client, err := dialGateway(ctx, flags)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}

type runOptions struct {
	command    string
	host       string
	nodeID     string
	security   string
	ask        string
	workdir    string
	sessionKey string
	agent      string
	timeoutSec int
	background bool
	elevated   bool
	wait       bool
}

func (o runOptions) params() map[string]any {
	params := map[string]any{"command": o.command}
	set := func(key, value string) {
		if value != "" {
			params[key] = value
		}
	}
	set("host", o.host)
	set("nodeId", o.nodeID)
	set("security", o.security)
	set("ask", o.ask)
	set("workdir", o.workdir)
	set("sessionKey", o.sessionKey)
	set("agentId", o.agent)
	if o.timeoutSec > 0 {
		params["timeoutSec"] = o.timeoutSec
	}
	if o.background {
		params["background"] = true
	}
	if o.elevated {
		params["elevated"] = true
	}
	return params
}

func runRun(cmd *cobra.Command, flags clientFlags, opts runOptions) error {
	if opts.wait {
		// Approval waits are bounded by the gateway's approval timeout.
		flags.timeout = 0
	}
	return withClient(cmd, flags, func(ctx context.Context, client *gatewayclient.Client) error {
		var result map[string]any
		if err := client.Call(ctx, "exec.run", opts.params(), &result); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		status, _ := result["status"].(string)
		if !opts.wait || status == "completed" || status == "failed" {
			return renderRunResult(out, result)
		}
		fmt.Fprintf(out, "%s; waiting for result...\n", status)
		final, err := waitForRun(ctx, client, result)
		if err != nil {
			return err
		}
		return renderRunResult(out, final)
	})
}

// waitForRun follows the events addressed to this connection until the run
// identified by pending finishes or is denied.
func waitForRun(ctx context.Context, client *gatewayclient.Client, pending map[string]any) (map[string]any, error) {
	approvalID, _ := pending["approvalId"].(string)
	sessionID, _ := pending["sessionId"].(string)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case evt, ok := <-client.Events():
			if !ok {
				return nil, gatewayclient.ErrClosed
			}
			if evt.Name != "exec.finished" && evt.Name != "exec.denied" && evt.Name != "exec.started" {
				continue
			}
			var payload map[string]any
			if err := json.Unmarshal(evt.Payload, &payload); err != nil {
				continue
			}
			if id, _ := payload["approvalId"].(string); approvalID != "" && id == approvalID {
				if evt.Name == "exec.started" {
					sessionID, _ = payload["sessionId"].(string)
					continue
				}
				return payload, nil
			}
			if id, _ := payload["sessionId"].(string); sessionID != "" && id == sessionID && evt.Name != "exec.started" {
				return payload, nil
			}
		}
	}
}

func renderRunResult(out io.Writer, result map[string]any) error {
	status, _ := result["status"].(string)
	switch status {
	case "completed":
		if text, _ := result["aggregated"].(string); text != "" {
			fmt.Fprint(out, text)
			if !strings.HasSuffix(text, "\n") {
				fmt.Fprintln(out)
			}
		}
		code, _ := result["exitCode"].(float64)
		if code != 0 {
			return fmt.Errorf("command exited with code %d", int(code))
		}
		return nil
	case "approval-pending":
		fmt.Fprintf(out, "Approval required: %v (slug %v)\n", result["approvalId"], result["approvalSlug"])
		if warning, _ := result["warning"].(string); warning != "" {
			fmt.Fprintln(out, warning)
		}
		return nil
	case "running":
		fmt.Fprintf(out, "Running: session %v pid %v\n", result["sessionId"], result["pid"])
		if tail, _ := result["tail"].(string); tail != "" {
			fmt.Fprintln(out, tail)
		}
		return nil
	case "failed":
		return fmt.Errorf("exec failed: %v", result["reason"])
	}
	if reason, _ := result["reason"].(string); reason != "" {
		code, _ := result["code"].(string)
		return execerr.New(execerr.Kind(code), "%s", reason)
	}
	return printJSON(out, result)
}

func runApprovalsList(cmd *cobra.Command, flags clientFlags, all bool) error {
	return withClient(cmd, flags, func(ctx context.Context, client *gatewayclient.Client) error {
		var result struct {
			Approvals []approvals.Record `json:"approvals"`
		}
		if err := client.Call(ctx, "exec.approval.list", map[string]any{"includeResolved": all}, &result); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(result.Approvals) == 0 {
			fmt.Fprintln(out, "No approvals.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSLUG\tSTATE\tHOST\tRISK\tEXPIRES\tCOMMAND")
		for _, rec := range result.Approvals {
			expires := time.UnixMilli(rec.ExpiresAtMs).Format(time.RFC3339)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				rec.ID, rec.Slug, rec.State, rec.Host, rec.RiskTier, expires, rec.Command)
		}
		return w.Flush()
	})
}

func runApprovalsResolve(cmd *cobra.Command, flags clientFlags, id, decision string) error {
	if _, err := approvals.ParseDecision(decision); err != nil {
		return err
	}
	return withClient(cmd, flags, func(ctx context.Context, client *gatewayclient.Client) error {
		var rec approvals.Record
		if err := client.Call(ctx, "exec.approval.resolve", map[string]any{"id": id, "decision": decision}, &rec); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Approval %s %s (%s)\n", rec.ID, rec.State, rec.Decision)
		return nil
	})
}

func runPanic(cmd *cobra.Command, flags clientFlags, reason string) error {
	return withClient(cmd, flags, func(ctx context.Context, client *gatewayclient.Client) error {
		params := map[string]any{}
		if reason != "" {
			params["reason"] = reason
		}
		var result map[string]any
		if err := client.Call(ctx, "system.panic", params, &result); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	})
}

func runStatus(cmd *cobra.Command, flags clientFlags) error {
	return withClient(cmd, flags, func(ctx context.Context, client *gatewayclient.Client) error {
		var result map[string]any
		if err := client.Call(ctx, "status", nil, &result); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	})
}

// =============================================================================
// Token Handler
// =============================================================================

type tokenOptions struct {
	configPath string
	id         string
	role       string
	name       string
	scopes     []string
}

func runTokenIssue(cmd *cobra.Command, opts tokenOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	role := rbac.ParseRole(opts.role)
	if role != rbac.RoleOperator && role != rbac.RoleNode {
		return fmt.Errorf("unknown role %q", opts.role)
	}
	client := rbac.Client{
		ID:          opts.id,
		Role:        role,
		Scopes:      opts.scopes,
		DisplayName: opts.name,
	}
	if role == rbac.RoleNode {
		client.NodeID = opts.id
		client.Scopes = nil
	}
	token, err := auth.NewService(cfg.Auth).GenerateJWT(client)
	if errors.Is(err, auth.ErrAuthDisabled) {
		return errors.New("auth.jwt_secret is not configured")
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// =============================================================================
// Config Handlers
// =============================================================================

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
	return err
}

func runConfigValidate(cmd *cobra.Command, path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("--config is required")
	}
	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
	return nil
}
