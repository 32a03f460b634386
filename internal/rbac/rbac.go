// Package rbac gates gateway RPC methods by caller role and scopes.
//
// Node-role callers may only use the node callback methods. Operator callers
// may use everything else, subject to the scope of the method's bucket.
// Scopes are flat; operator.admin satisfies every bucket. Methods that are not
// classified fall into the admin bucket.
package rbac

import (
	"slices"
	"strings"

	"github.com/haasonsaas/nexus-exec/internal/execerr"
)

// Role is the kind of client on a connection.
type Role string

const (
	RoleOperator Role = "operator"
	RoleNode     Role = "node"
)

// ParseRole normalizes a role string. Unknown roles are returned as-is and
// are denied everything by Authorize.
func ParseRole(raw string) Role {
	return Role(strings.ToLower(strings.TrimSpace(raw)))
}

// Operator scopes.
const (
	ScopeAdmin     = "operator.admin"
	ScopeRead      = "operator.read"
	ScopeWrite     = "operator.write"
	ScopeApprovals = "operator.approvals"
	ScopePairing   = "operator.pairing"
)

// Bucket groups methods that share a required scope.
type Bucket string

const (
	BucketNode      Bucket = "node"
	BucketRead      Bucket = "read"
	BucketWrite     Bucket = "write"
	BucketApprovals Bucket = "approvals"
	BucketPairing   Bucket = "pairing"
	BucketAdmin     Bucket = "admin"
)

// Scope returns the operator scope required by the bucket. The node bucket
// has no operator scope.
func (b Bucket) Scope() string {
	switch b {
	case BucketRead:
		return ScopeRead
	case BucketWrite:
		return ScopeWrite
	case BucketApprovals:
		return ScopeApprovals
	case BucketPairing:
		return ScopePairing
	case BucketNode:
		return ""
	default:
		return ScopeAdmin
	}
}

var methodBuckets = map[string]Bucket{
	"node.invoke.result": BucketNode,
	"node.event":         BucketNode,

	"health":            BucketRead,
	"status":            BucketRead,
	"exec.process.list": BucketRead,
	"exec.process.poll": BucketRead,
	"exec.runs.list":    BucketRead,
	"node.list":         BucketRead,

	"exec.run":                BucketWrite,
	"exec.process.kill":       BucketWrite,
	"exec.process.background": BucketWrite,
	"exec.abort":              BucketWrite,
	"node.invoke":             BucketWrite,
	"system.panic":            BucketWrite,

	"exec.approval.request": BucketApprovals,
	"exec.approval.resolve": BucketApprovals,
	"exec.approval.list":    BucketApprovals,
	"exec.approval.get":     BucketApprovals,
	"exec.approval.wait":    BucketApprovals,

	"node.pair.list":    BucketPairing,
	"node.pair.approve": BucketPairing,
	"node.pair.reject":  BucketPairing,

	"exec.approvals.get": BucketAdmin,
	"exec.approvals.set": BucketAdmin,
}

// BucketFor returns the bucket of a method. Unlisted methods are admin.
func BucketFor(method string) Bucket {
	if b, ok := methodBuckets[method]; ok {
		return b
	}
	return BucketAdmin
}

// Methods returns the classified methods of a bucket, sorted.
func Methods(bucket Bucket) []string {
	var out []string
	for m, b := range methodBuckets {
		if b == bucket {
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return out
}

// Client is the authenticated identity of a connection.
type Client struct {
	ID     string   `json:"id"`
	Role   Role     `json:"role"`
	Scopes []string `json:"scopes,omitempty"`
	// NodeID is set for node-role clients.
	NodeID      string `json:"nodeId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// HasScope reports whether the client holds scope, directly or through
// operator.admin.
func (c Client) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// Authorize checks whether client may call method. It has no side effects.
func Authorize(method string, client Client) error {
	bucket := BucketFor(method)
	switch client.Role {
	case RoleNode:
		if bucket != BucketNode {
			return execerr.Authorization("unauthorized role: %s", RoleNode)
		}
		return nil
	case RoleOperator:
		if bucket == BucketNode {
			return execerr.Authorization("unauthorized role: %s", RoleOperator)
		}
		scope := bucket.Scope()
		if !client.HasScope(scope) {
			return execerr.Authorization("missing scope: %s", scope)
		}
		return nil
	default:
		return execerr.Authorization("unauthorized role: %s", roleLabel(client.Role))
	}
}

// CanReceive reports whether a client may receive an event that requires
// scope. Node clients receive only events addressed to them.
func CanReceive(client Client, scope string) bool {
	if client.Role != RoleOperator {
		return false
	}
	return scope == "" || client.HasScope(scope)
}

func roleLabel(r Role) string {
	if r == "" {
		return "none"
	}
	return string(r)
}
