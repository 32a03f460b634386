package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-exec/internal/execerr"
)

var (
	// ErrNodeNotFound indicates the node doesn't exist.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeRevoked indicates the node's access was revoked.
	ErrNodeRevoked = errors.New("node access revoked")

	// ErrNodeNotPaired indicates the node has not been approved yet.
	ErrNodeNotPaired = errors.New("node not paired")

	// ErrNodeOffline indicates the node has no live connection.
	ErrNodeOffline = errors.New("node offline")

	// ErrNodeDisconnected is reported to invokes in flight when the node goes
	// away.
	ErrNodeDisconnected = errors.New("node disconnected")

	// ErrUnknownInvoke indicates a result for an invoke that is not pending.
	ErrUnknownInvoke = errors.New("unknown invoke id")
)

// Sender delivers invoke requests to a node's connection.
type Sender interface {
	SendInvoke(req InvokeRequest) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(InvokeRequest) error

// SendInvoke calls f.
func (f SenderFunc) SendInvoke(req InvokeRequest) error { return f(req) }

// Listener observes pairing and connection changes. Calls happen outside the
// registry lock.
type Listener interface {
	NodePairingRequested(node Node)
	NodeStatusChanged(node Node)
}

// RegistryConfig configures the node registry.
type RegistryConfig struct {
	// AutoApprove lists node ids that are paired on first connect.
	AutoApprove []NodeID

	// InvokeTimeout bounds invokes whose context has no deadline.
	InvokeTimeout time.Duration
}

// DefaultRegistryConfig returns sensible defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{InvokeTimeout: 30 * time.Minute}
}

type connection struct {
	connID string
	sender Sender
	since  time.Time
}

type pendingInvoke struct {
	nodeID NodeID
	result chan InvokeResult
}

// Registry manages node pairing and live node connections.
type Registry struct {
	mu       sync.RWMutex
	store    Store
	config   RegistryConfig
	logger   *slog.Logger
	listener Listener
	now      func() time.Time

	conns   map[NodeID]*connection
	pending map[string]*pendingInvoke
}

// NewRegistry creates a new node registry.
func NewRegistry(store Store, config RegistryConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if config.InvokeTimeout <= 0 {
		config.InvokeTimeout = DefaultRegistryConfig().InvokeTimeout
	}
	return &Registry{
		store:   store,
		config:  config,
		logger:  logger.With("component", "nodes.registry"),
		now:     time.Now,
		conns:   make(map[NodeID]*connection),
		pending: make(map[string]*pendingInvoke),
	}
}

// SetListener registers the pairing observer.
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

// Connect records a node connection. Unknown nodes are stored as pending
// unless they are listed for auto approval. Revoked nodes are refused.
func (r *Registry) Connect(ctx context.Context, connID string, info Node, sender Sender) (*Node, error) {
	if info.ID == "" {
		return nil, execerr.Validation("node id is required")
	}
	now := r.now()

	node, err := r.store.GetNode(ctx, info.ID)
	isNew := false
	switch {
	case errors.Is(err, ErrNodeNotFound):
		isNew = true
		node = &Node{
			ID:        info.ID,
			CreatedAt: now,
			Approved:  slices.Contains(r.config.AutoApprove, info.ID),
		}
		if node.Approved {
			node.ApprovedBy = "auto"
		}
	case err != nil:
		return nil, fmt.Errorf("get node: %w", err)
	case node.Status == StatusRevoked:
		return nil, ErrNodeRevoked
	}

	node.Name = info.Name
	node.Platform = info.Platform
	node.Capabilities = info.Capabilities
	node.Metadata = info.Metadata
	node.LastSeenAt = &now
	node.UpdatedAt = now
	node.Status = StatusPending
	if node.Approved {
		node.Status = StatusOnline
	}
	if err := r.store.SaveNode(ctx, node); err != nil {
		return nil, fmt.Errorf("save node: %w", err)
	}

	r.mu.Lock()
	r.conns[node.ID] = &connection{connID: connID, sender: sender, since: now}
	listener := r.listener
	r.mu.Unlock()

	r.logger.Info("node connected", "node_id", node.ID, "status", node.Status, "conn_id", connID)
	if listener != nil {
		if isNew && !node.Approved {
			listener.NodePairingRequested(*node)
		} else {
			listener.NodeStatusChanged(*node)
		}
	}
	return node, nil
}

// Disconnect forgets a node connection. Only the connection that registered
// last is removed. Invokes in flight on the node fail.
func (r *Registry) Disconnect(ctx context.Context, id NodeID, connID string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok || conn.connID != connID {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	orphaned := r.takePendingLocked(id)
	listener := r.listener
	r.mu.Unlock()

	for _, p := range orphaned {
		p.result <- InvokeResult{ID: "", NodeID: id, Error: &InvokeError{Code: "disconnected", Message: ErrNodeDisconnected.Error()}}
	}

	node, err := r.store.GetNode(ctx, id)
	if err != nil {
		return
	}
	now := r.now()
	node.LastSeenAt = &now
	node.UpdatedAt = now
	if node.Status == StatusOnline {
		node.Status = StatusOffline
	}
	if err := r.store.SaveNode(ctx, node); err != nil {
		r.logger.Warn("failed to save node", "node_id", id, "error", err)
	}
	r.logger.Info("node disconnected", "node_id", id, "failed_invokes", len(orphaned))
	if listener != nil {
		listener.NodeStatusChanged(*node)
	}
}

func (r *Registry) takePendingLocked(id NodeID) []*pendingInvoke {
	var out []*pendingInvoke
	for invokeID, p := range r.pending {
		if p.nodeID == id {
			out = append(out, p)
			delete(r.pending, invokeID)
		}
	}
	return out
}

// Resolve returns a node that can accept invokes. Failures are
// host_unavailable errors wrapping the package sentinels.
func (r *Registry) Resolve(ctx context.Context, id NodeID) (*Node, error) {
	if id == "" {
		return nil, execerr.Wrap(execerr.KindHostUnavailable, ErrNodeNotFound, "node id is required")
	}
	node, err := r.store.GetNode(ctx, id)
	if err != nil {
		return nil, execerr.Wrap(execerr.KindHostUnavailable, err, fmt.Sprintf("node %s", id))
	}
	switch {
	case node.Status == StatusRevoked:
		return nil, execerr.Wrap(execerr.KindHostUnavailable, ErrNodeRevoked, fmt.Sprintf("node %s", id))
	case !node.Approved:
		return nil, execerr.Wrap(execerr.KindHostUnavailable, ErrNodeNotPaired, fmt.Sprintf("node %s", id))
	}
	r.mu.RLock()
	_, online := r.conns[id]
	r.mu.RUnlock()
	if !online {
		return nil, execerr.Wrap(execerr.KindHostUnavailable, ErrNodeOffline, fmt.Sprintf("node %s", id))
	}
	return node, nil
}

// Invoke sends command to a node and waits for its result. Transport
// failures are returned as errors; failures reported by the node come back
// in the result.
func (r *Registry) Invoke(ctx context.Context, id NodeID, command string, params any) (InvokeResult, error) {
	node, err := r.Resolve(ctx, id)
	if err != nil {
		return InvokeResult{}, err
	}
	if !node.Supports(Capability(command)) {
		return InvokeResult{}, execerr.HostUnavailable("node %s does not support %s", id, command)
	}

	var raw json.RawMessage
	if params != nil {
		raw, err = json.Marshal(params)
		if err != nil {
			return InvokeResult{}, execerr.Wrap(execerr.KindValidation, err, "encode invoke params")
		}
	}

	timeout := r.config.InvokeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	req := InvokeRequest{
		ID:        uuid.NewString(),
		NodeID:    id,
		Command:   command,
		Params:    raw,
		TimeoutMs: timeout.Milliseconds(),
	}
	p := &pendingInvoke{nodeID: id, result: make(chan InvokeResult, 1)}

	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return InvokeResult{}, execerr.Wrap(execerr.KindHostUnavailable, ErrNodeOffline, fmt.Sprintf("node %s", id))
	}
	r.pending[req.ID] = p
	r.mu.Unlock()

	if err := conn.sender.SendInvoke(req); err != nil {
		r.dropPending(req.ID)
		return InvokeResult{}, execerr.Wrap(execerr.KindHostUnavailable, err, fmt.Sprintf("send to node %s", id))
	}
	r.logger.Debug("invoke sent", "node_id", id, "invoke_id", req.ID, "command", command)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.result:
		if res.Error != nil && res.Error.Code == "disconnected" && res.ID == "" {
			return InvokeResult{}, execerr.Wrap(execerr.KindHostUnavailable, ErrNodeDisconnected, fmt.Sprintf("node %s", id))
		}
		return res, nil
	case <-ctx.Done():
		r.dropPending(req.ID)
		return InvokeResult{}, execerr.Wrap(execerr.KindAborted, context.Cause(ctx), "invoke cancelled")
	case <-timer.C:
		r.dropPending(req.ID)
		return InvokeResult{}, execerr.New(execerr.KindTimeout, "node %s did not answer within %s", id, timeout)
	}
}

func (r *Registry) dropPending(invokeID string) {
	r.mu.Lock()
	delete(r.pending, invokeID)
	r.mu.Unlock()
}

// HandleResult completes a pending invoke. The result must come from the
// node the invoke was sent to.
func (r *Registry) HandleResult(from NodeID, res InvokeResult) error {
	r.mu.Lock()
	p, ok := r.pending[res.ID]
	if !ok || p.nodeID != from {
		r.mu.Unlock()
		return execerr.Wrap(execerr.KindNotFound, ErrUnknownInvoke, res.ID)
	}
	delete(r.pending, res.ID)
	r.mu.Unlock()

	res.NodeID = from
	p.result <- res
	return nil
}

// PendingInvokes returns the number of invokes awaiting a result.
func (r *Registry) PendingInvokes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// Approve pairs a node.
func (r *Registry) Approve(ctx context.Context, id NodeID, by string) (*Node, error) {
	node, err := r.store.GetNode(ctx, id)
	if err != nil {
		return nil, execerr.Wrap(execerr.KindNotFound, err, fmt.Sprintf("node %s", id))
	}
	node.Approved = true
	node.ApprovedBy = by
	node.UpdatedAt = r.now()

	r.mu.RLock()
	_, online := r.conns[id]
	listener := r.listener
	r.mu.RUnlock()
	node.Status = StatusOffline
	if online {
		node.Status = StatusOnline
	}
	if err := r.store.SaveNode(ctx, node); err != nil {
		return nil, fmt.Errorf("save node: %w", err)
	}
	r.logger.Info("node approved", "node_id", id, "by", by)
	if listener != nil {
		listener.NodeStatusChanged(*node)
	}
	return node, nil
}

// Reject revokes a node's pairing and drops its connection. The returned
// connection id, if any, should be closed by the caller.
func (r *Registry) Reject(ctx context.Context, id NodeID, by string) (*Node, string, error) {
	node, err := r.store.GetNode(ctx, id)
	if err != nil {
		return nil, "", execerr.Wrap(execerr.KindNotFound, err, fmt.Sprintf("node %s", id))
	}
	node.Approved = false
	node.ApprovedBy = ""
	node.Status = StatusRevoked
	node.UpdatedAt = r.now()
	if err := r.store.SaveNode(ctx, node); err != nil {
		return nil, "", fmt.Errorf("save node: %w", err)
	}

	r.mu.Lock()
	connID := ""
	if conn, ok := r.conns[id]; ok {
		connID = conn.connID
		delete(r.conns, id)
	}
	orphaned := r.takePendingLocked(id)
	listener := r.listener
	r.mu.Unlock()

	for _, p := range orphaned {
		p.result <- InvokeResult{NodeID: id, Error: &InvokeError{Code: "disconnected", Message: ErrNodeRevoked.Error()}}
	}
	r.logger.Info("node revoked", "node_id", id, "by", by)
	if listener != nil {
		listener.NodeStatusChanged(*node)
	}
	return node, connID, nil
}

// Get returns one node.
func (r *Registry) Get(ctx context.Context, id NodeID) (*Node, error) {
	return r.store.GetNode(ctx, id)
}

// List returns every known node.
func (r *Registry) List(ctx context.Context) ([]*Node, error) {
	return r.store.ListNodes(ctx)
}

// ListPending returns nodes awaiting approval.
func (r *Registry) ListPending(ctx context.Context) ([]*Node, error) {
	all, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, n := range all {
		if !n.Approved && n.Status != StatusRevoked {
			out = append(out, n)
		}
	}
	return out, nil
}

// GetOnlineNodes returns the IDs of connected nodes.
func (r *Registry) GetOnlineNodes() []NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]NodeID, 0, len(r.conns))
	for id := range r.conns {
		result = append(result, id)
	}
	slices.Sort(result)
	return result
}
