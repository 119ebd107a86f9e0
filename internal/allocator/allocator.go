// Package allocator packs tool threads onto rooted nodes and launches them.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/limiquantix/batchd/internal/domain"
	"github.com/limiquantix/batchd/internal/inventory"
)

// Environment is the dispatch surface of the external environment.
type Environment interface {
	LocalNode() string
	FileExists(ctx context.Context, node, file string) (bool, error)
	Copy(ctx context.Context, file, from, to string) error
	Launch(ctx context.Context, tool, node string, threads int, args []string) (int, error)
}

// NodeSource provides the live node pool.
type NodeSource interface {
	RootedNodes(ctx context.Context) ([]*domain.ComputeNode, error)
	Remove(ctx context.Context, id string) error
}

// Assignment is the portion of a request launched on one node.
type Assignment struct {
	Node    string `json:"node"`
	Threads int    `json:"threads"`
	PID     int    `json:"pid"`
}

// Placement describes where the threads of one request ended up.
type Placement struct {
	Tool        string       `json:"tool"`
	Requested   int          `json:"requested"`
	Assignments []Assignment `json:"assignments"`
}

// Placed returns the number of threads launched.
func (p Placement) Placed() int {
	total := 0
	for _, a := range p.Assignments {
		total += a.Threads
	}
	return total
}

// Remaining returns the number of threads that could not be placed.
func (p Placement) Remaining() int {
	return p.Requested - p.Placed()
}

// Allocator places tool threads on the node pool.
type Allocator struct {
	nodes  NodeSource
	env    Environment
	logger *zap.Logger
}

// New creates a new Allocator.
func New(nodes NodeSource, env Environment, logger *zap.Logger) *Allocator {
	return &Allocator{
		nodes:  nodes,
		env:    env,
		logger: logger.With(zap.String("component", "allocator")),
	}
}

// Allocate launches threads of the tool with the payload's arguments.
//
// A node that fits the whole request is preferred, walking nodes by total
// capacity. When no node fits it, spreadable tools are split across nodes by
// free capacity; other tools fail. A partial placement is returned together
// with an error wrapping domain.ErrResourceExhausted.
func (a *Allocator) Allocate(ctx context.Context, tool domain.Tool, threads int, payload domain.Payload) (Placement, error) {
	placement := Placement{Tool: tool.Name, Requested: threads}
	if threads <= 0 {
		return placement, nil
	}

	nodes, err := a.nodes.RootedNodes(ctx)
	if err != nil {
		return placement, fmt.Errorf("failed to list rooted nodes: %w", err)
	}

	args := payload.Args()
	failed := make(map[string]bool)

	for _, n := range a.preferenceOrder(nodes, tool.Kind) {
		if n.ThreadsFor(tool.Cost) < threads {
			continue
		}
		pid, err := a.launch(ctx, tool, n.ID, threads, args)
		if err != nil {
			failed[n.ID] = true
			continue
		}
		placement.Assignments = append(placement.Assignments, Assignment{Node: n.ID, Threads: threads, PID: pid})
		return placement, nil
	}

	if !tool.Spreadable {
		return placement, fmt.Errorf("%w: no node fits %d threads of %s", domain.ErrResourceExhausted, threads, tool.Name)
	}

	byFree := append([]*domain.ComputeNode(nil), nodes...)
	inventory.SortByFree(byFree)

	remaining := threads
	for _, n := range byFree {
		if remaining <= 0 {
			break
		}
		if failed[n.ID] {
			continue
		}
		here := n.ThreadsFor(tool.Cost)
		if here > remaining {
			here = remaining
		}
		if here <= 0 {
			continue
		}
		pid, err := a.launch(ctx, tool, n.ID, here, args)
		if err != nil {
			failed[n.ID] = true
			continue
		}
		placement.Assignments = append(placement.Assignments, Assignment{Node: n.ID, Threads: here, PID: pid})
		remaining -= here
	}

	if remaining > 0 {
		a.logger.Debug("Partial placement",
			zap.String("tool", tool.Name),
			zap.Int("requested", threads),
			zap.Int("remaining", remaining),
		)
		return placement, fmt.Errorf("%w: placed %d of %d threads of %s",
			domain.ErrResourceExhausted, threads-remaining, threads, tool.Name)
	}
	return placement, nil
}

// Dispatch allocates a schedule item once. Items already dispatched are
// skipped without touching the environment.
func (a *Allocator) Dispatch(ctx context.Context, tool domain.Tool, item *domain.ScheduleItem, payload domain.Payload) (Placement, error) {
	if item.Dispatched {
		return Placement{Tool: tool.Name}, nil
	}
	item.Dispatched = true
	return a.Allocate(ctx, tool, item.Threads, payload)
}

// preferenceOrder sorts nodes by total capacity, moving the local node to
// the front for grow and weaken and to the back for steal.
func (a *Allocator) preferenceOrder(nodes []*domain.ComputeNode, kind domain.ToolKind) []*domain.ComputeNode {
	ordered := append([]*domain.ComputeNode(nil), nodes...)
	inventory.SortByTotal(ordered)

	local := a.env.LocalNode()
	rank := func(n *domain.ComputeNode) int {
		if n.ID != local {
			return 1
		}
		if kind == domain.ToolKindHack {
			return 2
		}
		return 0
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return rank(ordered[i]) < rank(ordered[j])
	})
	return ordered
}

func (a *Allocator) launch(ctx context.Context, tool domain.Tool, node string, threads int, args []string) (int, error) {
	local := a.env.LocalNode()
	if node != local {
		exists, err := a.env.FileExists(ctx, node, tool.Name)
		if err == nil && !exists {
			err = a.env.Copy(ctx, tool.Name, local, node)
		}
		if err != nil {
			a.logger.Warn("Failed to provision tool",
				zap.String("tool", tool.Name),
				zap.String("node", node),
				zap.Error(err),
			)
			if errors.Is(err, domain.ErrNodeGone) {
				a.prune(ctx, node)
			}
			return 0, fmt.Errorf("%w: %s on %s: %v", domain.ErrProvisionFailed, tool.Name, node, err)
		}
	}

	pid, err := a.env.Launch(ctx, tool.Name, node, threads, args)
	if err != nil {
		if errors.Is(err, domain.ErrNodeGone) {
			a.prune(ctx, node)
		}
		a.logger.Warn("Failed to launch tool",
			zap.String("tool", tool.Name),
			zap.String("node", node),
			zap.Int("threads", threads),
			zap.Error(err),
		)
		return 0, err
	}

	a.logger.Debug("Launched tool",
		zap.String("tool", tool.Name),
		zap.String("node", node),
		zap.Int("threads", threads),
		zap.Int("pid", pid),
	)
	return pid, nil
}

func (a *Allocator) prune(ctx context.Context, node string) {
	if err := a.nodes.Remove(ctx, node); err != nil && !errors.Is(err, domain.ErrNotFound) {
		a.logger.Warn("Failed to prune node", zap.String("node", node), zap.Error(err))
	}
}
