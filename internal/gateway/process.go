package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/nexus-exec/internal/audit"
	"github.com/haasonsaas/nexus-exec/internal/execerr"
	"github.com/haasonsaas/nexus-exec/internal/shell"
)

type sessionParams struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

type abortParams struct {
	SessionKey string `json:"sessionKey"`
	Reason     string `json:"reason,omitempty"`
}

func (g *Gateway) handleProcessList(context.Context, *Conn, json.RawMessage) (any, error) {
	running := g.processes.ListRunningSessions()
	finished := g.processes.ListFinishedSessions()
	if running == nil {
		running = []shell.SessionInfo{}
	}
	if finished == nil {
		finished = []shell.SessionInfo{}
	}
	return map[string]any{"running": running, "finished": finished}, nil
}

func (g *Gateway) handleProcessPoll(_ context.Context, _ *Conn, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	info, output, ok := g.processes.Poll(p.SessionID)
	if !ok {
		return nil, execerr.NotFound("unknown session: %s", p.SessionID)
	}
	return map[string]any{"session": info, "output": output}, nil
}

func (g *Gateway) handleProcessKill(ctx context.Context, _ *Conn, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		reason = "killed"
	}
	if !g.processes.Kill(p.SessionID, reason) {
		return nil, execerr.NotFound("unknown session: %s", p.SessionID)
	}
	if owner, ok := g.takeOwner(p.SessionID); ok {
		g.finishOwner(ctx, owner, p.SessionID, shell.Outcome{Status: shell.ProcessStatusAborted, Reason: reason})
	}
	g.metrics.SetRunningSessions(g.processes.RunningCount())
	return map[string]any{"sessionId": p.SessionID, "killed": true}, nil
}

func (g *Gateway) handleProcessBackground(_ context.Context, _ *Conn, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	session, ok := g.processes.GetSession(p.SessionID)
	if !ok {
		return nil, execerr.NotFound("unknown session: %s", p.SessionID)
	}
	backgrounded := g.processes.MarkBackgrounded(session)
	return map[string]any{"sessionId": p.SessionID, "backgrounded": backgrounded, "session": g.processes.Info(session)}, nil
}

func (g *Gateway) handleRunsList(context.Context, *Conn, json.RawMessage) (any, error) {
	return map[string]any{"runs": g.runs.List()}, nil
}

func (g *Gateway) handleAbort(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
	var p abortParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		reason = "aborted by " + conn.ID
	}
	n := g.runs.AbortSession(p.SessionKey, reason)
	g.audit.Abort(ctx, audit.EventSessionAbort, p.SessionKey, reason, n)
	g.logger.Info("session aborted", "session_key", p.SessionKey, "aborted", n, "by", conn.ID)
	return map[string]any{"sessionKey": p.SessionKey, "abortedCount": n}, nil
}

// handlePanic stops every in-flight run. The count is exact: runs that finish
// concurrently are either aborted here or removed by their own completion.
func (g *Gateway) handlePanic(_ context.Context, conn *Conn, params json.RawMessage) (any, error) {
	var p struct {
		Reason string `json:"reason,omitempty"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		reason = "panic"
	}
	n := g.runs.GlobalAbort(reason)
	g.metrics.SetRunningSessions(g.processes.RunningCount())
	g.logger.Warn("global abort", "aborted", n, "reason", reason, "by", conn.ID)
	return map[string]any{"abortedCount": n, "reason": reason}, nil
}
