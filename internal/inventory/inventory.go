// Package inventory maintains the live view of the node pool: discovery by
// topology traversal, reconciliation of acquired nodes, and fresh capacity
// and privilege queries for every scheduling decision.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/limiquantix/batchd/internal/domain"
	"github.com/limiquantix/batchd/internal/repository/memory"
)

// Environment is the subset of the external environment the inventory needs.
type Environment interface {
	// LocalNode returns the identity of the node the scheduler runs on.
	LocalNode() string

	Scan(ctx context.Context, node string) ([]string, error)
	NodeInfo(ctx context.Context, node string) (domain.NodeInfo, error)
	Capacity(ctx context.Context, node string) (total, used float64, err error)
	HasPrivilege(ctx context.Context, node string) (bool, error)
	AcquiredNodes(ctx context.Context) ([]string, error)
	Observe(ctx context.Context, target string) (domain.Observation, error)
}

// Inventory owns the node repository and answers live capacity questions.
type Inventory struct {
	repo   *memory.NodeRepository
	env    Environment
	logger *zap.Logger
}

// New creates a new Inventory.
func New(repo *memory.NodeRepository, env Environment, logger *zap.Logger) *Inventory {
	return &Inventory{
		repo:   repo,
		env:    env,
		logger: logger.With(zap.String("component", "inventory")),
	}
}

// LocalNode returns the identity of the scheduler's own node.
func (i *Inventory) LocalNode() string {
	return i.env.LocalNode()
}

// Discover walks the topology from the local node and registers every reachable node.
// It returns the number of newly registered nodes.
func (i *Inventory) Discover(ctx context.Context) (int, error) {
	acquired, err := i.env.AcquiredNodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list acquired nodes: %w", err)
	}
	acquiredSet := make(map[string]bool, len(acquired))
	for _, id := range acquired {
		acquiredSet[id] = true
	}

	local := i.env.LocalNode()
	visited := make(map[string]bool)
	stack := []string{local}
	added := 0

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return added, err
		}

		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true

		neighbors, err := i.env.Scan(ctx, id)
		if err != nil {
			i.logger.Warn("Failed to scan node", zap.String("node", id), zap.Error(err))
			continue
		}
		for _, n := range neighbors {
			if !visited[n] {
				stack = append(stack, n)
			}
		}

		if i.repo.Has(ctx, id) {
			continue
		}
		if err := i.register(ctx, id, id == local, acquiredSet[id]); err != nil {
			i.logger.Warn("Failed to register node", zap.String("node", id), zap.Error(err))
			continue
		}
		added++
	}

	i.logger.Info("Topology discovery complete",
		zap.Int("visited", len(visited)),
		zap.Int("added", added),
	)
	return added, nil
}

// Reconcile adds newly acquired nodes and prunes acquired nodes that the
// acquisition collaborator no longer lists.
func (i *Inventory) Reconcile(ctx context.Context) (added, removed []string, err error) {
	acquired, err := i.env.AcquiredNodes(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list acquired nodes: %w", err)
	}

	current := make(map[string]bool, len(acquired))
	for _, id := range acquired {
		current[id] = true
		if i.repo.Has(ctx, id) {
			continue
		}
		if err := i.register(ctx, id, false, true); err != nil {
			i.logger.Warn("Failed to register acquired node", zap.String("node", id), zap.Error(err))
			continue
		}
		added = append(added, id)
	}

	known, err := i.repo.ListAcquired(ctx)
	if err != nil {
		return added, nil, err
	}
	for _, n := range known {
		if current[n.ID] {
			continue
		}
		if err := i.Remove(ctx, n.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return added, removed, err
		}
		removed = append(removed, n.ID)
	}

	if len(added) > 0 || len(removed) > 0 {
		i.logger.Info("Acquired nodes reconciled",
			zap.Strings("added", added),
			zap.Strings("removed", removed),
		)
	}
	return added, removed, nil
}

// Remove prunes a node from the repository.
func (i *Inventory) Remove(ctx context.Context, id string) error {
	if err := i.repo.Delete(ctx, id); err != nil {
		return err
	}
	i.logger.Info("Node removed from inventory", zap.String("node", id))
	return nil
}

// Nodes returns every known node with capacity and privilege freshly queried.
// Nodes that no longer exist are pruned and omitted.
func (i *Inventory) Nodes(ctx context.Context) ([]*domain.ComputeNode, error) {
	known, err := i.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*domain.ComputeNode, 0, len(known))
	for _, n := range known {
		if err := i.refresh(ctx, n); err != nil {
			if errors.Is(err, domain.ErrNodeGone) {
				_ = i.Remove(ctx, n.ID)
				continue
			}
			i.logger.Warn("Failed to query node", zap.String("node", n.ID), zap.Error(err))
			continue
		}
		result = append(result, n)
	}
	return result, nil
}

// Node returns one node with capacity and privilege freshly queried.
func (i *Inventory) Node(ctx context.Context, id string) (*domain.ComputeNode, error) {
	n, err := i.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := i.refresh(ctx, n); err != nil {
		if errors.Is(err, domain.ErrNodeGone) {
			_ = i.Remove(ctx, id)
		}
		return nil, err
	}
	return n, nil
}

// RootedNodes returns the freshly queried nodes that accept dispatch.
func (i *Inventory) RootedNodes(ctx context.Context) ([]*domain.ComputeNode, error) {
	nodes, err := i.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	rooted := nodes[:0]
	for _, n := range nodes {
		if n.Rooted {
			rooted = append(rooted, n)
		}
	}
	return rooted, nil
}

// Targets returns the static description of every node that can be a target.
func (i *Inventory) Targets(ctx context.Context) ([]*domain.ComputeNode, error) {
	known, err := i.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	var result []*domain.ComputeNode
	for _, n := range known {
		if n.IsTarget() {
			result = append(result, n)
		}
	}
	return result, nil
}

// Observe refreshes the live state of a target.
func (i *Inventory) Observe(ctx context.Context, t *domain.Target) error {
	obs, err := i.env.Observe(ctx, t.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNodeGone) {
			_ = i.Remove(ctx, t.ID)
		}
		return fmt.Errorf("failed to observe %s: %w", t.ID, err)
	}
	rooted, err := i.env.HasPrivilege(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("failed to query privilege of %s: %w", t.ID, err)
	}
	t.Observation = obs
	t.Rooted = rooted
	return nil
}

// Utilization returns used over total capacity across rooted nodes.
func Utilization(nodes []*domain.ComputeNode) float64 {
	var total, used float64
	for _, n := range nodes {
		if !n.Rooted {
			continue
		}
		total += n.TotalCapacity
		used += n.UsedCapacity
	}
	if total <= 0 {
		return 1
	}
	return used / total
}

// SortByFree orders nodes by free capacity descending, then identity ascending.
func SortByFree(nodes []*domain.ComputeNode) {
	sort.SliceStable(nodes, func(a, b int) bool {
		fa, fb := nodes[a].FreeCapacity(), nodes[b].FreeCapacity()
		if fa != fb {
			return fa > fb
		}
		return nodes[a].ID < nodes[b].ID
	})
}

// SortByTotal orders nodes by total capacity descending, then identity ascending.
func SortByTotal(nodes []*domain.ComputeNode) {
	sort.SliceStable(nodes, func(a, b int) bool {
		ta, tb := nodes[a].TotalCapacity, nodes[b].TotalCapacity
		if ta != tb {
			return ta > tb
		}
		return nodes[a].ID < nodes[b].ID
	})
}

func (i *Inventory) register(ctx context.Context, id string, local, acquired bool) error {
	info, err := i.env.NodeInfo(ctx, id)
	if err != nil {
		return err
	}
	info.ID = id
	_, err = i.repo.Create(ctx, &domain.ComputeNode{
		NodeInfo: info,
		Local:    local,
		Acquired: acquired,
	})
	return err
}

func (i *Inventory) refresh(ctx context.Context, n *domain.ComputeNode) error {
	total, used, err := i.env.Capacity(ctx, n.ID)
	if err != nil {
		return err
	}
	rooted, err := i.env.HasPrivilege(ctx, n.ID)
	if err != nil {
		return err
	}
	n.TotalCapacity = total
	n.UsedCapacity = used
	n.Rooted = rooted
	return nil
}
