package nodes

import (
	"context"
	"sort"
	"sync"
)

// Store persists node records.
type Store interface {
	// SaveNode creates or updates a node.
	SaveNode(ctx context.Context, node *Node) error

	// GetNode retrieves a node by ID.
	GetNode(ctx context.Context, id NodeID) (*Node, error)

	// ListNodes returns every node ordered by id.
	ListNodes(ctx context.Context) ([]*Node, error)

	// DeleteNode removes a node.
	DeleteNode(ctx context.Context, id NodeID) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[NodeID]*Node)}
}

// SaveNode creates or updates a node.
func (s *MemoryStore) SaveNode(_ context.Context, node *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID] = cloneNode(node)
	return nil
}

// GetNode retrieves a node by ID.
func (s *MemoryStore) GetNode(_ context.Context, id NodeID) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return cloneNode(node), nil
}

// ListNodes returns every node ordered by id.
func (s *MemoryStore) ListNodes(_ context.Context) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		result = append(result, cloneNode(node))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// DeleteNode removes a node.
func (s *MemoryStore) DeleteNode(_ context.Context, id NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
	return nil
}

func cloneNode(n *Node) *Node {
	c := *n
	if n.Capabilities != nil {
		c.Capabilities = append([]Capability(nil), n.Capabilities...)
	}
	if n.Metadata != nil {
		c.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	if n.LastSeenAt != nil {
		t := *n.LastSeenAt
		c.LastSeenAt = &t
	}
	return &c
}
