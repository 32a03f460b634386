package gateway

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus-exec/internal/execpolicy"
)

// Health is a cheap liveness snapshot.
func (g *Gateway) Health() map[string]any {
	return map[string]any{
		"status":   "ok",
		"uptimeMs": g.now().Sub(g.startedAt).Milliseconds(),
	}
}

func (g *Gateway) handleHealth(context.Context, *Conn, json.RawMessage) (any, error) {
	return g.Health(), nil
}

func (g *Gateway) handleStatus(context.Context, *Conn, json.RawMessage) (any, error) {
	hostsAvailable := make([]execpolicy.Host, 0, 3)
	for _, h := range []execpolicy.Host{execpolicy.HostSandbox, execpolicy.HostGateway, execpolicy.HostNode} {
		if g.router.Available(h) {
			hostsAvailable = append(hostsAvailable, h)
		}
	}
	return map[string]any{
		"gatewayId":        g.id,
		"uptimeMs":         g.now().Sub(g.startedAt).Milliseconds(),
		"defaultHost":      g.router.DefaultHost(),
		"hosts":            hostsAvailable,
		"pendingApprovals": g.approvals.PendingCount(),
		"runningSessions":  g.processes.RunningCount(),
		"finishedSessions": g.processes.FinishedCount(),
		"activeRuns":       g.runs.Count(),
		"onlineNodes":      g.nodes.GetOnlineNodes(),
		"pendingInvokes":   g.nodes.PendingInvokes(),
		"subscribers":      g.hub.Subscribers(),
		"droppedEvents":    g.hub.Dropped(),
		"approvalsPath":    g.store.Path(),
	}, nil
}
