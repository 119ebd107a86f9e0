// Package tuner adjusts a target's steal fraction until the batches it
// implies fit the node pool at the paced batch count.
package tuner

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/batchd/internal/domain"
	"github.com/limiquantix/batchd/internal/model"
	"github.com/limiquantix/batchd/internal/planner"
	"github.com/limiquantix/batchd/internal/tools"
)

// MaxIterations bounds the adjustments made by one Tune call.
const MaxIterations = 100

// NodeSource provides the rooted nodes with freshly queried capacity.
type NodeSource interface {
	RootedNodes(ctx context.Context) ([]*domain.ComputeNode, error)
}

// Config holds the tuner's operational limits.
type Config struct {
	// MaxBatches caps the paced batch count.
	MaxBatches int

	// Budget bounds the wall time of one Tune call. Zero means no limit
	// beyond MaxIterations.
	Budget time.Duration
}

// Result describes the outcome of one Tune call.
type Result struct {
	Iterations int                        `json:"iterations"`
	Changed    bool                       `json:"changed"`
	Converged  bool                       `json:"converged"`
	Fraction   float64                    `json:"fraction"`
	Snapshot   domain.PerformanceSnapshot `json:"snapshot"`
}

// Tuner searches for the largest steal fraction whose batches still fit.
type Tuner struct {
	config  Config
	model   *model.Model
	catalog *tools.Catalog
	planner *planner.Planner
	nodes   NodeSource
	now     func() time.Time
	logger  *zap.Logger
}

// New creates a new Tuner.
func New(
	config Config,
	m *model.Model,
	catalog *tools.Catalog,
	p *planner.Planner,
	nodes NodeSource,
	logger *zap.Logger,
) *Tuner {
	return &Tuner{
		config:  config,
		model:   m,
		catalog: catalog,
		planner: p,
		nodes:   nodes,
		now:     time.Now,
		logger:  logger.With(zap.String("component", "tuner")),
	}
}

// Snapshot evaluates the target at its current steal fraction against the
// pool's current free capacity.
func (t *Tuner) Snapshot(ctx context.Context, target *domain.Target) (domain.PerformanceSnapshot, error) {
	nodes, err := t.nodes.RootedNodes(ctx)
	if err != nil {
		return domain.PerformanceSnapshot{}, fmt.Errorf("failed to list rooted nodes: %w", err)
	}

	cost := t.BatchCost(target)
	return domain.PerformanceSnapshot{
		StealFraction: target.StealFraction,
		BatchCost:     cost,
		MaxBatches:    FitCount(nodes, cost),
		PacedBatches:  t.PacedBatches(target),
	}, nil
}

// BatchCost returns the capacity one batch against the target needs.
func (t *Tuner) BatchCost(target *domain.Target) float64 {
	steal := t.model.StealThreadsNeeded(target)
	if t.planner.ExtractOnly() {
		return t.catalog.BatchCost(steal, 0, 0)
	}
	return t.catalog.BatchCost(
		steal,
		t.model.GrowthThreadsNeededAfterTheft(target),
		t.model.WeakenThreadsPerBatch(target),
	)
}

// PacedBatches returns how many batches can be in flight against the target
// given the batch interval, clamped to [1, MaxBatches].
func (t *Tuner) PacedBatches(target *domain.Target) int {
	timing := t.planner.Timing()
	paced := 1
	if timing.Interval > 0 {
		paced = int((t.planner.ResolveTime(target) - timing.QueueDelay) / timing.Interval)
	}
	if t.config.MaxBatches > 0 && paced > t.config.MaxBatches {
		paced = t.config.MaxBatches
	}
	if paced < 1 {
		paced = 1
	}
	return paced
}

// Tune adjusts the target's steal fraction in steps until the fit count
// matches the paced count, the fraction hits a bound, or the iteration or
// time budget is spent.
func (t *Tuner) Tune(ctx context.Context, target *domain.Target) (Result, error) {
	start := t.now()
	initial := target.StealFraction
	res := Result{}

	for res.Iterations < MaxIterations {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if t.config.Budget > 0 && t.now().Sub(start) >= t.config.Budget {
			break
		}
		res.Iterations++

		snap, err := t.Snapshot(ctx, target)
		if err != nil {
			return res, err
		}
		res.Snapshot = snap

		if snap.MaxBatches < snap.PacedBatches && target.StealFraction > domain.MinStealFraction {
			target.StealFraction = step(target.StealFraction, -domain.StealFractionStep)
			continue
		}

		if snap.MaxBatches > snap.PacedBatches && target.StealFraction < domain.MaxStealFraction {
			previous := target.StealFraction
			target.StealFraction = step(previous, domain.StealFractionStep)
			speculative, err := t.Snapshot(ctx, target)
			if err != nil {
				target.StealFraction = previous
				return res, err
			}
			if speculative.MaxBatches < speculative.PacedBatches {
				target.StealFraction = previous
				res.Converged = true
				break
			}
			res.Snapshot = speculative
			continue
		}

		res.Converged = true
		break
	}

	res.Fraction = target.StealFraction
	res.Changed = target.StealFraction != initial

	if res.Changed {
		t.logger.Info("Tuned steal fraction",
			zap.String("target", target.ID),
			zap.Float64("fraction", target.StealFraction),
			zap.Float64("actual_fraction", math.Floor(t.model.ActualStealFraction(target)*10000)/100),
			zap.Int("iterations", res.Iterations),
			zap.Bool("converged", res.Converged),
		)
	}

	return res, nil
}

// FitCount returns how many batches of the given cost fit the pool, summing
// whole batches per rooted node.
func FitCount(nodes []*domain.ComputeNode, batchCost float64) int {
	if batchCost <= 0 {
		return 0
	}
	fit := 0
	for _, n := range nodes {
		if !n.Rooted {
			continue
		}
		fit += int(n.FreeCapacity() / batchCost)
	}
	return fit
}

// step moves a fraction by delta, keeping it on the 0.01 grid and in bounds.
func step(fraction, delta float64) float64 {
	return domain.ClampStealFraction(math.Round((fraction+delta)*100) / 100)
}
