package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/limiquantix/batchd/internal/domain"
	"github.com/limiquantix/batchd/internal/tools"
)

// prepare issues one round of immediate grow and weaken work that moves the
// target toward its security floor and maximum value. Grow threads are
// trimmed so that the weaken threads they need still fit, unless capacity is
// plentiful enough to cover both. It returns the number of threads placed.
func (e *Engine) prepare(ctx context.Context, t *domain.Target) (int, error) {
	grow := e.catalog.MustGet(domain.ToolKindGrow)
	weaken := e.catalog.MustGet(domain.ToolKindWeaken)
	payload := domain.PrepPayload(t.ID, e.env.Now())

	placed := 0
	var errs []error
	weakenForGrowth := 0

	if t.Value < t.MaxValue {
		nodes, err := e.inventory.RootedNodes(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list rooted nodes: %w", err)
		}
		allowable := tools.MaxThreads(grow, nodes)
		needed := e.model.GrowthThreadsNeeded(t)

		threads := min(allowable, needed)
		weakenForGrowth = e.model.WeakenThreadsForGrowth(threads)

		threshold := float64(allowable-needed) * grow.Cost / weaken.Cost
		released := weaken.Cost / grow.Cost * float64(weakenForGrowth+e.model.RequiredWeakenThreads(t))
		if threshold >= released {
			released = 0
		}
		threads -= int(math.Ceil(released))

		if threads > 0 {
			p, err := e.allocator.Allocate(ctx, grow, threads, payload)
			placed += p.Placed()
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	needed := e.model.RequiredWeakenThreads(t) + weakenForGrowth
	if needed > 0 {
		nodes, err := e.inventory.RootedNodes(ctx)
		if err != nil {
			return placed, fmt.Errorf("failed to list rooted nodes: %w", err)
		}
		threads := min(tools.MaxThreads(weaken, nodes), needed)
		if threads > 0 {
			p, err := e.allocator.Allocate(ctx, weaken, threads, payload)
			placed += p.Placed()
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	if placed > 0 {
		e.logger.Info("Preparing target",
			zap.String("target", t.ID),
			zap.Int("threads", placed),
			zap.Float64("security", t.Security),
			zap.Float64("value", t.Value),
		)
	}
	return placed, errors.Join(errs...)
}
