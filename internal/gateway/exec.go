package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-exec/internal/approvals"
	"github.com/haasonsaas/nexus-exec/internal/audit"
	"github.com/haasonsaas/nexus-exec/internal/events"
	"github.com/haasonsaas/nexus-exec/internal/exec"
	"github.com/haasonsaas/nexus-exec/internal/execerr"
	"github.com/haasonsaas/nexus-exec/internal/execpolicy"
	"github.com/haasonsaas/nexus-exec/internal/observability"
	"github.com/haasonsaas/nexus-exec/internal/runs"
	"github.com/haasonsaas/nexus-exec/internal/shell"
)

// Response statuses of exec.run.
const (
	StatusCompleted       = "completed"
	StatusRunning         = "running"
	StatusApprovalPending = "approval-pending"
	StatusFailed          = "failed"
)

// ExecRequest is a validated exec.run call.
type ExecRequest struct {
	Command    string              `json:"command"`
	Host       execpolicy.Host     `json:"host,omitempty"`
	Security   execpolicy.Security `json:"security,omitempty"`
	Ask        execpolicy.Ask      `json:"ask,omitempty"`
	Workdir    string              `json:"workdir,omitempty"`
	Env        map[string]string   `json:"env,omitempty"`
	TimeoutSec int                 `json:"timeoutSec,omitempty"`
	Background bool                `json:"background,omitempty"`
	// YieldMs bounds the foreground wait. Nil waits for completion.
	YieldMs    *int64 `json:"yieldMs,omitempty"`
	Elevated   bool   `json:"elevated,omitempty"`
	PTY        bool   `json:"pty,omitempty"`
	NodeID     string `json:"nodeId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
}

func (r ExecRequest) timeout(fallback time.Duration) time.Duration {
	if r.TimeoutSec > 0 {
		return time.Duration(r.TimeoutSec) * time.Second
	}
	return fallback
}

func (r ExecRequest) yield() *time.Duration {
	if r.YieldMs == nil {
		return nil
	}
	d := time.Duration(*r.YieldMs) * time.Millisecond
	return &d
}

// plan is a request after policy resolution.
type plan struct {
	req        ExecRequest
	conn       *Conn
	policy     execpolicy.AgentPolicy
	resolution execpolicy.Resolution
	eval       execpolicy.Evaluation
	assessment exec.Assessment
	warning    string
}

func (p *plan) withRisk(payload map[string]any) map[string]any {
	payload["riskTier"] = int(p.assessment.Tier)
	if p.warning != "" {
		payload["warning"] = p.warning
	}
	return payload
}

func (g *Gateway) handleExecRun(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
	var req ExecRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, execerr.Validation("command is required")
	}
	if req.SessionKey == "" {
		req.SessionKey = conn.ID
	}

	start := g.now()
	p, err := g.plan(ctx, conn, req)
	if err != nil {
		g.metrics.RecordExec(string(req.Host), string(execerr.KindOf(err)), g.now().Sub(start).Seconds())
		return nil, err
	}

	payload, err := g.execute(ctx, p)
	var status string
	if err == nil {
		status, _ = payload["status"].(string)
	} else {
		status = string(execerr.KindOf(err))
	}
	g.metrics.RecordExec(string(p.resolution.Host), status, g.now().Sub(start).Seconds())
	return payload, err
}

// plan classifies the command and resolves the effective policy.
func (g *Gateway) plan(ctx context.Context, conn *Conn, req ExecRequest) (_ *plan, err error) {
	ctx, span := g.tracer.Phase(ctx, "plan", "agent", req.AgentID)
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	p := &plan{req: req, conn: conn}
	p.assessment = exec.Assess(req.Command)
	p.warning = exec.Warning(p.assessment)
	g.metrics.RecordRiskTier(int(p.assessment.Tier))

	p.policy = g.store.Resolve(req.AgentID)
	defaults := p.policy.Defaults
	if defaults.Host == "" {
		defaults.Host = g.router.DefaultHost()
	}

	mode := execpolicy.ElevatedOff
	if req.Elevated {
		mode = g.config.Exec.Elevated
		if mode == "" || mode == execpolicy.ElevatedOff {
			return nil, execerr.New(execerr.KindDenied, "elevated execution is disabled")
		}
	}
	p.resolution = execpolicy.Resolve(execpolicy.Requested{
		Host:     req.Host,
		Security: req.Security,
		Ask:      req.Ask,
	}, defaults, mode)

	if p.resolution.Host == execpolicy.HostNode && req.NodeID == "" {
		return nil, execerr.Validation("nodeId is required for host=node")
	}
	if !g.router.Available(p.resolution.Host) {
		return nil, execerr.HostUnavailable("host %s is not available", p.resolution.Host)
	}

	p.eval = execpolicy.Evaluate(req.Command, p.policy.Allowlist, p.policy.SafeBins, req.Workdir, req.Env)
	g.audit.ExecRequested(ctx, req.SessionKey, p.policy.AgentID, string(p.resolution.Host), req.Command,
		int(p.assessment.Tier), string(p.resolution.Security), string(p.resolution.Ask))
	return p, nil
}

// execute applies the policy decision: deny, park for approval or run.
func (g *Gateway) execute(ctx context.Context, p *plan) (map[string]any, error) {
	decision := execpolicy.Decide(p.resolution, p.eval, p.assessment)
	if !decision.Allowed {
		g.audit.ExecDenied(ctx, p.req.SessionKey, string(p.resolution.Host), p.req.Command, decision.Reason)
		return nil, execerr.New(execerr.KindDenied, "%s", decision.Reason)
	}
	if decision.RequiresApproval {
		return g.requestApproval(p)
	}

	g.recordAllowlistUse(p)
	res, runID, err := g.startRun(ctx, p, p.req.Background, p.req.yield(), "")
	if err != nil {
		return p.withRisk(map[string]any{"status": StatusFailed, "reason": execerr.Message(err)}), nil
	}
	return g.runPayload(p, res, runID), nil
}

func (g *Gateway) recordAllowlistUse(p *plan) {
	if p.eval.Match == nil {
		return
	}
	resolved := ""
	if r := p.eval.Analysis.Resolution; r != nil {
		resolved = r.ResolvedPath
	}
	g.store.RecordAllowlistUse(p.policy.AgentID, p.eval.Match.Pattern, p.req.Command, resolved)
}

// startRun registers a run and starts the session. The run is removed when
// the session finishes in the foreground or through the exit hook.
func (g *Gateway) startRun(ctx context.Context, p *plan, background bool, yield *time.Duration, approvalID string) (shell.StartResult, string, error) {
	ctx, span := g.tracer.Phase(ctx, "launch",
		"host", string(p.resolution.Host), "tier", int(p.assessment.Tier), "background", background)
	defer span.End()

	launcher, err := g.router.Select(p.resolution.Host)
	if err != nil {
		observability.RecordError(span, err)
		return shell.StartResult{}, "", err
	}

	runID := uuid.NewString()
	sessionID := g.processes.NewSessionID()
	g.runs.Register(runID, p.req.SessionKey, func() {
		g.processes.Kill(sessionID, "aborted")
	}, runs.WithClear(func() {
		g.processes.Discard(sessionID)
	}))
	g.setOwner(sessionID, runOwner{
		connID:     p.conn.ID,
		runID:      runID,
		sessionKey: p.req.SessionKey,
		host:       p.resolution.Host,
		approvalID: approvalID,
		tier:       int(p.assessment.Tier),
		warning:    p.warning,
	})

	nodeID := ""
	if p.resolution.Host == execpolicy.HostNode {
		nodeID = p.req.NodeID
	}
	if p.req.PTY {
		g.logger.Debug("pty requested; running without a terminal", "session_id", sessionID)
	}

	res, err := g.processes.Start(ctx, launcher, shell.StartOptions{
		ID:         sessionID,
		Command:    p.req.Command,
		Cwd:        p.req.Workdir,
		Env:        p.req.Env,
		Host:       string(p.resolution.Host),
		NodeID:     nodeID,
		SessionKey: p.req.SessionKey,
		PTY:        p.req.PTY,
		Timeout:    p.req.timeout(g.config.Exec.Timeout),
		Yield:      yield,
		Background: background,
	})
	if err != nil {
		observability.RecordError(span, err)
		g.takeOwner(sessionID)
		g.runs.Remove(p.req.SessionKey, runID)
		g.audit.ExecFinished(ctx, runID, sessionID, string(p.resolution.Host), StatusFailed, nil, execerr.Message(err), 0)
		return shell.StartResult{}, runID, err
	}

	if res.Session.ID != sessionID {
		if owner, ok := g.takeOwner(sessionID); ok {
			g.setOwner(res.Session.ID, owner)
		}
	}
	g.audit.ExecStarted(ctx, runID, res.Session.ID, p.req.SessionKey, string(p.resolution.Host), nodeID, res.Session.PID)
	g.metrics.SetRunningSessions(g.processes.RunningCount())
	if !res.Running() {
		g.takeOwner(res.Session.ID)
		g.runs.Remove(p.req.SessionKey, runID)
		out := res.Outcome
		g.audit.ExecFinished(ctx, runID, res.Session.ID, string(p.resolution.Host), string(out.Status), out.ExitCode,
			out.Reason, time.Duration(out.DurationMs)*time.Millisecond)
	}
	return res, runID, nil
}

// runPayload renders a start result as an exec.run response.
func (g *Gateway) runPayload(p *plan, res shell.StartResult, runID string) map[string]any {
	if res.Running() {
		return p.withRisk(map[string]any{
			"status":    StatusRunning,
			"sessionId": res.Session.ID,
			"pid":       res.Session.PID,
			"cwd":       res.Session.Cwd,
			"tail":      res.Session.Tail,
			"runId":     runID,
		})
	}
	return p.withRisk(outcomePayload(*res.Outcome, p.warning))
}

func outcomePayload(out shell.Outcome, warning string) map[string]any {
	if out.Status != shell.ProcessStatusCompleted {
		reason := out.Reason
		if reason == "" {
			reason = string(out.Status)
		}
		return map[string]any{"status": StatusFailed, "reason": reason}
	}
	exitCode := -1
	if out.ExitCode != nil {
		exitCode = *out.ExitCode
	}
	aggregated := out.Aggregated
	if warning != "" {
		aggregated = warning + "\n\n" + aggregated
	}
	return map[string]any{
		"status":     StatusCompleted,
		"exitCode":   exitCode,
		"aggregated": aggregated,
		"durationMs": out.DurationMs,
	}
}

// requestApproval parks the command and waits for a decision in the
// background. The caller learns the outcome through events.
func (g *Gateway) requestApproval(p *plan) (map[string]any, error) {
	resolved := ""
	if r := p.eval.Analysis.Resolution; r != nil {
		resolved = r.ResolvedPath
	}
	rec, err := g.approvals.Create(approvals.Request{
		Command:      p.req.Command,
		Host:         string(p.resolution.Host),
		Cwd:          p.req.Workdir,
		NodeID:       p.req.NodeID,
		AgentID:      p.policy.AgentID,
		SessionKey:   p.req.SessionKey,
		Security:     string(p.resolution.Security),
		Ask:          string(p.resolution.Ask),
		ResolvedPath: resolved,
		RiskTier:     int(p.assessment.Tier),
		Warning:      p.warning,
		RequestedBy:  p.conn.ID,
	})
	if err != nil {
		return nil, err
	}

	waitRunID := uuid.NewString()
	waitCtx, cancel := context.WithCancel(g.ctx)
	g.runs.Register(waitRunID, p.req.SessionKey, cancel)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer cancel()
		g.awaitApproval(waitCtx, p, rec, waitRunID)
	}()

	return p.withRisk(map[string]any{
		"status":       StatusApprovalPending,
		"approvalId":   rec.ID,
		"approvalSlug": rec.Slug,
		"expiresAtMs":  rec.ExpiresAtMs,
		"host":         string(p.resolution.Host),
		"command":      p.req.Command,
	}), nil
}

func (g *Gateway) awaitApproval(ctx context.Context, p *plan, rec approvals.Record, waitRunID string) {
	final, err := g.approvals.Wait(ctx, rec.ID)
	g.runs.Remove(p.req.SessionKey, waitRunID)
	if err != nil {
		// Aborted while pending: the record must not stay actionable.
		final, _ = g.approvals.Resolve(rec.ID, approvals.DecisionDeny, "abort")
		g.sendDenied(p, final, execerr.KindAborted, "aborted while awaiting approval")
		return
	}

	switch final.State {
	case approvals.StateApproved:
	case approvals.StateExpired:
		g.sendDenied(p, final, execerr.KindApprovalTimeout, "approval timed out")
		return
	default:
		g.sendDenied(p, final, execerr.KindApprovalRejected, "approval rejected")
		return
	}

	if final.Decision == approvals.DecisionAllowAlways {
		g.persistAllowAlways(p, final)
	} else {
		g.recordAllowlistUse(p)
	}

	res, runID, err := g.startRun(ctx, p, true, nil, final.ID)
	if err != nil {
		g.publish("exec.finished", p.withRisk(map[string]any{
			"status":     StatusFailed,
			"reason":     execerr.Message(err),
			"approvalId": final.ID,
		}), events.MustDeliver, "", p.conn.ID)
		return
	}
	payload := g.runPayload(p, res, runID)
	payload["approvalId"] = final.ID
	g.publish("exec.started", payload, events.MustDeliver, "", p.conn.ID)
}

func (g *Gateway) persistAllowAlways(p *plan, rec approvals.Record) {
	pattern := ""
	if r := p.eval.Analysis.Resolution; r != nil {
		pattern = r.ResolvedPath
		if pattern == "" {
			pattern = r.ExecutableName
		}
	}
	if pattern == "" {
		g.logger.Warn("allow-always without a resolvable executable", "approval_id", rec.ID)
		return
	}
	entry, err := g.store.AddAllowlistEntry(p.policy.AgentID, pattern)
	if err != nil {
		g.logger.Warn("persist allowlist entry failed", "approval_id", rec.ID, "pattern", pattern, "error", err)
		return
	}
	g.store.RecordAllowlistUse(p.policy.AgentID, entry.Pattern, p.req.Command, rec.ResolvedPath)
	g.audit.Log(context.Background(), &audit.Event{
		Type:       audit.EventAllowlistAdded,
		AgentID:    p.policy.AgentID,
		ApprovalID: rec.ID,
		SessionKey: p.req.SessionKey,
		Action:     "allowlist.add",
		Details:    map[string]any{"pattern": entry.Pattern},
	})
}

func (g *Gateway) sendDenied(p *plan, rec approvals.Record, kind execerr.Kind, reason string) {
	g.audit.ExecDenied(context.Background(), p.req.SessionKey, string(p.resolution.Host), p.req.Command, reason)
	g.metrics.RecordExec(string(p.resolution.Host), string(kind), 0)
	g.publish("exec.denied", p.withRisk(map[string]any{
		"approvalId": rec.ID,
		"code":       string(kind),
		"reason":     reason,
		"command":    p.req.Command,
		"host":       string(p.resolution.Host),
	}), events.MustDeliver, "", p.conn.ID)
}

// sessionExited reports completion of a backgrounded session to the
// connection that started it.
func (g *Gateway) sessionExited(info shell.SessionInfo, out shell.Outcome) {
	owner, ok := g.takeOwner(info.ID)
	g.metrics.SetRunningSessions(g.processes.RunningCount())
	if !ok {
		return
	}
	g.finishOwner(context.Background(), owner, info.ID, out)
}

// finishOwner ends the run behind a session and sends the terminal
// exec.finished event to the connection that started it.
func (g *Gateway) finishOwner(ctx context.Context, owner runOwner, sessionID string, out shell.Outcome) {
	g.runs.Remove(owner.sessionKey, owner.runID)
	g.audit.ExecFinished(ctx, owner.runID, sessionID, string(owner.host), string(out.Status), out.ExitCode,
		out.Reason, time.Duration(out.DurationMs)*time.Millisecond)

	payload := outcomePayload(out, owner.warning)
	payload["sessionId"] = sessionID
	payload["runId"] = owner.runID
	payload["riskTier"] = owner.tier
	if owner.warning != "" {
		payload["warning"] = owner.warning
	}
	if owner.approvalID != "" {
		payload["approvalId"] = owner.approvalID
	}
	g.publish("exec.finished", payload, events.MustDeliver, "", owner.connID)
}
