// Package nodes tracks remote node hosts: their pairing state, their live
// connections and the invoke round-trips the gateway sends them.
//
// # Pairing
//
// A node connects with role=node and its node id. Unknown nodes are recorded
// as pending and cannot run commands until an operator approves them with
// node.pair.approve. Rejected nodes are revoked and refused on reconnect.
//
// # Invokes
//
// Invoke sends a node.invoke.request event to the node's connection and
// blocks until the node answers with node.invoke.result, the context ends,
// or the node disconnects.
package nodes

import (
	"encoding/json"
	"time"
)

// NodeID uniquely identifies a node.
type NodeID string

// NodeStatus is the pairing and connection state of a node.
type NodeStatus string

const (
	// StatusPending means the node connected but has not been approved.
	StatusPending NodeStatus = "pending"

	// StatusOnline means the node is approved and connected.
	StatusOnline NodeStatus = "online"

	// StatusOffline means the node is approved but not connected.
	StatusOffline NodeStatus = "offline"

	// StatusRevoked means the node's pairing was rejected or revoked.
	StatusRevoked NodeStatus = "revoked"
)

// Capability is an invoke command a node supports.
type Capability string

const (
	// CapSystemRun runs a shell command on the node.
	CapSystemRun Capability = "system.run"
	// CapSystemWhich resolves an executable on the node's PATH.
	CapSystemWhich Capability = "system.which"
	// CapSystemRunCancel stops a command started by system.run.
	CapSystemRunCancel Capability = "system.run.cancel"
)

// Node is a paired or pairing remote host.
type Node struct {
	ID           NodeID            `json:"nodeId"`
	Name         string            `json:"name,omitempty"`
	Platform     string            `json:"platform,omitempty"`
	Status       NodeStatus        `json:"status"`
	Approved     bool              `json:"approved"`
	Capabilities []Capability      `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ApprovedBy   string            `json:"approvedBy,omitempty"`
	LastSeenAt   *time.Time        `json:"lastSeenAt,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Supports reports whether the node declared cap. Nodes that declare no
// capabilities are assumed to support system.run.
func (n *Node) Supports(cap Capability) bool {
	if len(n.Capabilities) == 0 {
		return cap == CapSystemRun
	}
	for _, c := range n.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// InvokeRequest is sent to a node.
type InvokeRequest struct {
	ID        string          `json:"id"`
	NodeID    NodeID          `json:"nodeId"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// InvokeError is a node-reported failure.
type InvokeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *InvokeError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// InvokeResult is a node's answer to an InvokeRequest.
type InvokeResult struct {
	ID      string          `json:"id"`
	NodeID  NodeID          `json:"nodeId,omitempty"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *InvokeError    `json:"error,omitempty"`
}

// RunParams are the params of a system.run invoke.
type RunParams struct {
	Command   string            `json:"command"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
}

// RunPayload is the payload of a system.run result.
type RunPayload struct {
	ExitCode   int    `json:"exitCode"`
	Output     string `json:"output"`
	DurationMs int64  `json:"durationMs"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Event is a node-originated notification posted with node.event.
type Event struct {
	NodeID  NodeID          `json:"nodeId"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CancelParams are the params of a system.run.cancel invoke.
type CancelParams struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}
