package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/haasonsaas/nexus-exec/internal/execerr"
	"github.com/haasonsaas/nexus-exec/internal/observability"
	"github.com/haasonsaas/nexus-exec/internal/rbac"
)

type handlerFunc func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error)

func (g *Gateway) buildHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"health": g.handleHealth,
		"status": g.handleStatus,

		"exec.run":                g.handleExecRun,
		"exec.process.list":       g.handleProcessList,
		"exec.process.poll":       g.handleProcessPoll,
		"exec.process.kill":       g.handleProcessKill,
		"exec.process.background": g.handleProcessBackground,
		"exec.runs.list":          g.handleRunsList,
		"exec.abort":              g.handleAbort,
		"system.panic":            g.handlePanic,

		"exec.approval.request": g.handleApprovalRequest,
		"exec.approval.resolve": g.handleApprovalResolve,
		"exec.approval.list":    g.handleApprovalList,
		"exec.approval.get":     g.handleApprovalGet,
		"exec.approval.wait":    g.handleApprovalWait,
		"exec.approvals.get":    g.handleApprovalsFileGet,
		"exec.approvals.set":    g.handleApprovalsFileSet,

		"node.list":          g.handleNodeList,
		"node.invoke":        g.handleNodeInvoke,
		"node.invoke.result": g.handleNodeInvokeResult,
		"node.event":         g.handleNodeEvent,
		"node.pair.list":     g.handleNodePairList,
		"node.pair.approve":  g.handleNodePairApprove,
		"node.pair.reject":   g.handleNodePairReject,
	}
}

// Methods lists the RPC methods the gateway dispatches.
func (g *Gateway) Methods() []string {
	out := make([]string, 0, len(g.handlers))
	for m := range g.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Dispatch authorizes and runs one RPC. Authorization happens before params
// are decoded, so a rejected call has no side effects.
func (g *Gateway) Dispatch(ctx context.Context, conn *Conn, method string, params json.RawMessage) (any, error) {
	ctx, span := g.tracer.TraceRPC(ctx, method, conn.ID)
	defer span.End()

	if err := rbac.Authorize(method, conn.Client); err != nil {
		g.metrics.RecordRBACDenial(method)
		g.audit.PermissionDenied(ctx, conn.ID, method, execerr.Message(err))
		g.logger.Debug("rpc denied", "method", method, "client_id", conn.ID, "role", conn.Client.Role, "error", err)
		observability.RecordError(span, err)
		return nil, err
	}

	handler, ok := g.handlers[method]
	if !ok {
		err := execerr.NotFound("unknown method %q", method)
		observability.RecordError(span, err)
		return nil, err
	}
	if err := validateParams(method, params); err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	result, err := handler(ctx, conn, params)
	if err != nil {
		observability.RecordError(span, err)
		g.logger.Debug("rpc failed", "method", method, "client_id", conn.ID, "code", execerr.KindOf(err), "error", err)
		return nil, err
	}
	return result, nil
}

func decodeParams(params json.RawMessage, out any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return execerr.Wrap(execerr.KindValidation, err, "invalid params")
	}
	return nil
}

// rpcError converts err to the wire error shape.
func rpcError(err error) *wsError {
	var e *execerr.Error
	if errors.As(err, &e) {
		return &wsError{Code: e.Code(), Message: execerr.Message(err)}
	}
	return &wsError{Code: string(execerr.KindInternal), Message: err.Error()}
}
