package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/nexus-exec/internal/audit"
	"github.com/haasonsaas/nexus-exec/internal/events"
	"github.com/haasonsaas/nexus-exec/internal/execerr"
	"github.com/haasonsaas/nexus-exec/internal/nodes"
	"github.com/haasonsaas/nexus-exec/internal/rbac"
)

type nodeIDParams struct {
	NodeID string `json:"nodeId"`
}

type nodeInvokeParams struct {
	NodeID    string          `json:"nodeId"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// Event sent to a node's connection when its pairing is revoked; the
// transport closes the connection after delivering it.
const eventNodeRevoked = "node.revoked"

func (g *Gateway) handleNodeList(ctx context.Context, _ *Conn, _ json.RawMessage) (any, error) {
	list, err := g.nodes.List(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*nodes.Node{}
	}
	return map[string]any{"nodes": list, "online": g.nodes.GetOnlineNodes()}, nil
}

// handleNodeInvoke forwards a non-executing command to a node. system.run is
// reachable only through exec.run so that policy always applies.
func (g *Gateway) handleNodeInvoke(ctx context.Context, _ *Conn, params json.RawMessage) (any, error) {
	var p nodeInvokeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Command == string(nodes.CapSystemRun) {
		return nil, execerr.Validation("system.run must go through exec.run")
	}
	if p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	var invokeParams any
	if len(p.Params) > 0 {
		invokeParams = p.Params
	}
	return g.nodes.Invoke(ctx, nodes.NodeID(p.NodeID), p.Command, invokeParams)
}

func (g *Gateway) handleNodeInvokeResult(_ context.Context, conn *Conn, params json.RawMessage) (any, error) {
	var res nodes.InvokeResult
	if err := decodeParams(params, &res); err != nil {
		return nil, err
	}
	if err := g.nodes.HandleResult(nodes.NodeID(conn.Client.NodeID), res); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (g *Gateway) handleNodeEvent(_ context.Context, conn *Conn, params json.RawMessage) (any, error) {
	var evt nodes.Event
	if err := decodeParams(params, &evt); err != nil {
		return nil, err
	}
	evt.NodeID = nodes.NodeID(conn.Client.NodeID)
	g.publish("node.event", evt, events.BestEffort, rbac.ScopeRead, "")
	return map[string]any{"ok": true}, nil
}

func (g *Gateway) handleNodePairList(ctx context.Context, _ *Conn, _ json.RawMessage) (any, error) {
	pending, err := g.nodes.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		pending = []*nodes.Node{}
	}
	return map[string]any{"pending": pending}, nil
}

func (g *Gateway) handleNodePairApprove(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
	var p nodeIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	node, err := g.nodes.Approve(ctx, nodes.NodeID(p.NodeID), conn.ID)
	if err != nil {
		return nil, err
	}
	g.audit.Node(ctx, audit.EventNodePaired, p.NodeID, conn.ID)
	return node, nil
}

func (g *Gateway) handleNodePairReject(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
	var p nodeIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	node, connID, err := g.nodes.Reject(ctx, nodes.NodeID(p.NodeID), conn.ID)
	if err != nil {
		return nil, err
	}
	if connID != "" {
		g.publish(eventNodeRevoked, map[string]any{"nodeId": p.NodeID}, events.MustDeliver, "", connID)
	}
	g.audit.Node(ctx, audit.EventNodeRevoked, p.NodeID, conn.ID)
	return node, nil
}
