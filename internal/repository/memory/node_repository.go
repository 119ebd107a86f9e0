// Package memory provides the in-memory node repository owned by the scheduler.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/limiquantix/batchd/internal/domain"
)

// NodeRepository is an in-memory store of known nodes.
// It holds static node information only; live capacity and privilege are
// always queried from the environment.
type NodeRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.ComputeNode
}

// NewNodeRepository creates a new in-memory node repository.
func NewNodeRepository() *NodeRepository {
	return &NodeRepository{
		data: make(map[string]*domain.ComputeNode),
	}
}

// Create stores a new node.
func (r *NodeRepository) Create(ctx context.Context, n *domain.ComputeNode) (*domain.ComputeNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n.ID == "" {
		return nil, domain.ErrInvalidArgument
	}
	if _, ok := r.data[n.ID]; ok {
		return nil, domain.ErrAlreadyExists
	}

	if n.DiscoveredAt.IsZero() {
		n.DiscoveredAt = time.Now()
	}

	stored := cloneNode(n)
	r.data[stored.ID] = stored

	return cloneNode(stored), nil
}

// Get retrieves a node by ID.
func (r *NodeRepository) Get(ctx context.Context, id string) (*domain.ComputeNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	return cloneNode(n), nil
}

// Has reports whether a node is known.
func (r *NodeRepository) Has(ctx context.Context, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.data[id]
	return ok
}

// List returns all nodes ordered by ID.
func (r *NodeRepository) List(ctx context.Context) ([]*domain.ComputeNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.ComputeNode, 0, len(r.data))
	for _, n := range r.data {
		result = append(result, cloneNode(n))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// ListAcquired returns the nodes obtained from the acquisition collaborator.
func (r *NodeRepository) ListAcquired(ctx context.Context) ([]*domain.ComputeNode, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	var result []*domain.ComputeNode
	for _, n := range all {
		if n.Acquired {
			result = append(result, n)
		}
	}
	return result, nil
}

// Delete removes a node by ID.
func (r *NodeRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; !ok {
		return domain.ErrNotFound
	}

	delete(r.data, id)
	return nil
}

// Count returns the number of known nodes.
func (r *NodeRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// cloneNode creates a copy of a ComputeNode.
func cloneNode(n *domain.ComputeNode) *domain.ComputeNode {
	if n == nil {
		return nil
	}
	clone := *n
	return &clone
}
