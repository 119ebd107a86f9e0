// Package tools maps logical operation kinds to the executables that
// implement them and their per-thread resource cost.
package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/limiquantix/batchd/internal/domain"
)

// Executable names of the targeted tools.
const (
	HackToolName   = "hack-target.js"
	GrowToolName   = "grow-target.js"
	WeakenToolName = "weak-target.js"
)

// CostSource reports the per-thread cost of an executable.
type CostSource interface {
	ToolCost(ctx context.Context, name string) (float64, error)
}

// Catalog holds the tools known to the scheduler.
type Catalog struct {
	byKind  map[domain.ToolKind]domain.Tool
	byName  map[string]domain.Tool
	helpers []domain.Tool
}

// Build queries the cost of every tool once and returns the catalog.
func Build(ctx context.Context, src CostSource, helpers []string) (*Catalog, error) {
	c := &Catalog{
		byKind: make(map[domain.ToolKind]domain.Tool),
		byName: make(map[string]domain.Tool),
	}

	targeted := []domain.Tool{
		{Name: HackToolName, Kind: domain.ToolKindHack},
		{Name: GrowToolName, Kind: domain.ToolKindGrow},
		{Name: WeakenToolName, Kind: domain.ToolKindWeaken, Spreadable: true},
	}
	for _, t := range targeted {
		cost, err := src.ToolCost(ctx, t.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to query cost of %s: %w", t.Name, err)
		}
		if cost <= 0 {
			return nil, fmt.Errorf("%w: tool %s has cost %v", domain.ErrInvalidArgument, t.Name, cost)
		}
		t.Cost = cost
		c.byKind[t.Kind] = t
		c.byName[t.Name] = t
	}

	for _, name := range helpers {
		cost, err := src.ToolCost(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to query cost of helper %s: %w", name, err)
		}
		t := domain.Tool{Name: name, Kind: domain.ToolKindHelper, Cost: cost}
		c.helpers = append(c.helpers, t)
		c.byName[name] = t
	}

	return c, nil
}

// New builds a catalog from already known tools. Intended for tests and
// callers that know costs up front.
func New(tools ...domain.Tool) *Catalog {
	c := &Catalog{
		byKind: make(map[domain.ToolKind]domain.Tool),
		byName: make(map[string]domain.Tool),
	}
	for _, t := range tools {
		if t.Kind == domain.ToolKindHelper {
			c.helpers = append(c.helpers, t)
		} else {
			c.byKind[t.Kind] = t
		}
		c.byName[t.Name] = t
	}
	return c
}

// Get returns the tool for a targeted kind.
func (c *Catalog) Get(kind domain.ToolKind) (domain.Tool, bool) {
	t, ok := c.byKind[kind]
	return t, ok
}

// MustGet returns the tool for a targeted kind and panics if it is missing.
func (c *Catalog) MustGet(kind domain.ToolKind) domain.Tool {
	t, ok := c.byKind[kind]
	if !ok {
		panic(fmt.Sprintf("tools: no tool registered for kind %q", kind))
	}
	return t
}

// ByName returns the tool with the given executable name.
func (c *Catalog) ByName(name string) (domain.Tool, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Helpers returns the auxiliary tools ordered by name.
func (c *Catalog) Helpers() []domain.Tool {
	out := append([]domain.Tool(nil), c.helpers...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BatchCost returns the capacity needed by the given thread counts.
func (c *Catalog) BatchCost(steal, grow, weaken int) float64 {
	return float64(steal)*c.byKind[domain.ToolKindHack].Cost +
		float64(grow)*c.byKind[domain.ToolKindGrow].Cost +
		float64(weaken)*c.byKind[domain.ToolKindWeaken].Cost
}

// MaxThreads returns how many threads of the tool can currently be placed.
// Spreadable tools sum across rooted nodes; others are limited to the best single node.
func MaxThreads(tool domain.Tool, nodes []*domain.ComputeNode) int {
	total := 0
	best := 0
	for _, n := range nodes {
		if !n.Rooted {
			continue
		}
		here := n.ThreadsFor(tool.Cost)
		total += here
		if here > best {
			best = here
		}
	}
	if tool.Spreadable {
		return total
	}
	return best
}
