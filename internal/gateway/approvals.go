package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/nexus-exec/internal/approvals"
	"github.com/haasonsaas/nexus-exec/internal/exec"
	"github.com/haasonsaas/nexus-exec/internal/execerr"
	"github.com/haasonsaas/nexus-exec/internal/execpolicy"
)

type approvalRequestParams struct {
	Command    string              `json:"command"`
	Host       execpolicy.Host     `json:"host,omitempty"`
	Cwd        string              `json:"cwd,omitempty"`
	NodeID     string              `json:"nodeId,omitempty"`
	AgentID    string              `json:"agentId,omitempty"`
	SessionKey string              `json:"sessionKey,omitempty"`
	Security   execpolicy.Security `json:"security,omitempty"`
	Ask        execpolicy.Ask      `json:"ask,omitempty"`
}

type approvalIDParams struct {
	ID        string `json:"id"`
	Decision  string `json:"decision,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

// handleApprovalRequest records an approval without running anything, for
// callers that gate their own actions on an operator decision.
func (g *Gateway) handleApprovalRequest(_ context.Context, conn *Conn, params json.RawMessage) (any, error) {
	var p approvalRequestParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	host := p.Host
	if host == "" {
		host = g.router.DefaultHost()
	}
	assessment := exec.Assess(p.Command)
	rec, err := g.approvals.Create(approvals.Request{
		Command:     p.Command,
		Host:        string(host),
		Cwd:         p.Cwd,
		NodeID:      p.NodeID,
		AgentID:     p.AgentID,
		SessionKey:  p.SessionKey,
		Security:    string(p.Security),
		Ask:         string(p.Ask),
		RiskTier:    int(assessment.Tier),
		Warning:     exec.Warning(assessment),
		RequestedBy: conn.ID,
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (g *Gateway) handleApprovalResolve(_ context.Context, conn *Conn, params json.RawMessage) (any, error) {
	var p approvalIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	decision, err := approvals.ParseDecision(p.Decision)
	if err != nil {
		return nil, err
	}
	by := conn.Client.DisplayName
	if by == "" {
		by = conn.Client.ID
	}
	if by == "" {
		by = conn.ID
	}
	return g.approvals.Resolve(p.ID, decision, by)
}

func (g *Gateway) handleApprovalList(_ context.Context, _ *Conn, params json.RawMessage) (any, error) {
	var p struct {
		IncludeResolved bool `json:"includeResolved,omitempty"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	records := g.approvals.List(p.IncludeResolved)
	if records == nil {
		records = []approvals.Record{}
	}
	return map[string]any{"approvals": records}, nil
}

func (g *Gateway) handleApprovalGet(_ context.Context, _ *Conn, params json.RawMessage) (any, error) {
	var p approvalIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return g.approvals.Get(p.ID)
}

// handleApprovalWait blocks until the approval is decided, the optional
// timeout passes, or the caller goes away. A timeout returns the pending
// record rather than an error.
func (g *Gateway) handleApprovalWait(ctx context.Context, _ *Conn, params json.RawMessage) (any, error) {
	var p approvalIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	waitCtx := ctx
	if p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	rec, err := g.approvals.Wait(waitCtx, p.ID)
	if err != nil && execerr.KindOf(err) == execerr.KindAborted && ctx.Err() == nil {
		return rec, nil
	}
	return rec, err
}

func (g *Gateway) handleApprovalsFileGet(context.Context, *Conn, json.RawMessage) (any, error) {
	return map[string]any{
		"path": g.store.Path(),
		"file": g.store.Snapshot(),
	}, nil
}

func (g *Gateway) handleApprovalsFileSet(_ context.Context, conn *Conn, params json.RawMessage) (any, error) {
	var p struct {
		File execpolicy.File `json:"file"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := g.store.Replace(p.File); err != nil {
		return nil, execerr.Wrap(execerr.KindValidation, err, "replace exec approvals")
	}
	g.logger.Info("exec approvals replaced", "by", conn.ID, "path", g.store.Path())
	return map[string]any{
		"path": g.store.Path(),
		"file": g.store.Snapshot(),
	}, nil
}
