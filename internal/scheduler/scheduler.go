// Package scheduler implements the targeting loop: every tick it reconciles
// the node pool, classifies targets, prepares them, tunes their steal
// fraction and dispatches timed batches against them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/batchd/internal/allocator"
	"github.com/limiquantix/batchd/internal/config"
	"github.com/limiquantix/batchd/internal/domain"
	"github.com/limiquantix/batchd/internal/inventory"
	"github.com/limiquantix/batchd/internal/model"
	"github.com/limiquantix/batchd/internal/planner"
	"github.com/limiquantix/batchd/internal/tools"
	"github.com/limiquantix/batchd/internal/tuner"
)

// activity is what the process listings say is running against a target.
type activity struct {
	prep  bool
	stage bool
}

// Engine is the targeting scheduler.
type Engine struct {
	config        config.SchedulerConfig
	env           Environment
	inventory     *inventory.Inventory
	catalog       *tools.Catalog
	model         *model.Model
	planner       *planner.Planner
	tuner         *tuner.Tuner
	allocator     *allocator.Allocator
	sink          EventSink
	leaderChecker LeaderChecker
	logger        *zap.Logger

	runID           string
	now             func() time.Time
	targets         map[string]*domain.Target
	helpersLaunched bool
	ticks           int64

	mu         sync.RWMutex
	isRunning  bool
	lastReport *Report
}

// NewEngine creates a new targeting engine.
func NewEngine(
	cfg config.SchedulerConfig,
	env Environment,
	inv *inventory.Inventory,
	catalog *tools.Catalog,
	m *model.Model,
	sink EventSink,
	leaderChecker LeaderChecker,
	logger *zap.Logger,
) *Engine {
	timing := planner.DefaultTiming()
	if cfg.ExtractOnly {
		timing = planner.ExtractOnlyTiming()
	}
	p := planner.New(m, timing, cfg.ExtractOnly)

	return &Engine{
		config:    cfg,
		env:       env,
		inventory: inv,
		catalog:   catalog,
		model:     m,
		planner:   p,
		tuner: tuner.New(tuner.Config{
			MaxBatches: cfg.MaxBatches,
			Budget:     cfg.TuneBudget,
		}, m, catalog, p, inv, logger),
		allocator:     allocator.New(inv, env, logger),
		sink:          sink,
		leaderChecker: leaderChecker,
		logger:        logger.With(zap.String("component", "scheduler")),
		runID:         uuid.NewString(),
		now:           time.Now,
		targets:       make(map[string]*domain.Target),
	}
}

// Start runs an initial tick, then ticks on the configured interval until
// the context is done.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return
	}
	e.isRunning = true
	e.mu.Unlock()

	e.logger.Info("Starting targeting engine",
		zap.String("run_id", e.runID),
		zap.Duration("interval", e.config.TickInterval),
		zap.Int("max_targets", e.config.MaxTargets),
		zap.Int("max_batches", e.config.MaxBatches),
		zap.Bool("extract_only", e.config.ExtractOnly),
	)

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	e.runTick(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Targeting engine stopped")
			e.mu.Lock()
			e.isRunning = false
			e.mu.Unlock()
			return
		case <-ticker.C:
			e.runTick(ctx)
		}
	}
}

func (e *Engine) runTick(ctx context.Context) {
	if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("Tick failed", zap.Error(err))
	}
}

// Tick performs one scheduling pass. Errors on one target are recorded in
// the report and never abort the pass.
func (e *Engine) Tick(ctx context.Context) (*Report, error) {
	start := e.now()
	e.ticks++
	report := &Report{RunID: e.runID, Tick: e.ticks, StartedAt: start}

	if e.leaderChecker != nil && !e.leaderChecker.IsLeader() {
		e.logger.Debug("Not leader, skipping tick")
		report.Skipped = true
		e.store(report)
		return report, nil
	}

	added, removed, err := e.inventory.Reconcile(ctx)
	if err != nil {
		e.logger.Warn("Failed to reconcile acquired nodes", zap.Error(err))
	}
	report.Added, report.Removed = added, removed
	for _, id := range removed {
		e.emit(ctx, domain.EventNodeRemoved, "", id, nil)
	}

	nodes, err := e.inventory.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	crackers, err := e.env.Crackers(ctx)
	if err != nil {
		e.logger.Warn("Failed to count crackers", zap.Error(err))
	}
	report.Escalated = e.escalate(ctx, nodes, crackers)

	active, running := e.scanProcesses(ctx, nodes)

	if !e.helpersLaunched {
		report.Helpers = e.launchHelpers(ctx, running)
	}

	targets, err := e.refreshTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh targets: %w", err)
	}

	states := make(map[string]domain.TargetState, len(targets))
	reports := make(map[string]*TargetReport, len(targets))
	for _, t := range targets {
		states[t.ID] = e.classify(t, active[t.ID])
		reports[t.ID] = &TargetReport{ID: t.ID, State: states[t.ID], Score: e.model.Score(t)}
	}

	e.runEligible(ctx, start, targets, states, reports)
	if !e.config.ExtractOnly {
		e.runUnhackable(ctx, start, targets, states, reports)
	}

	if rooted, err := e.inventory.RootedNodes(ctx); err == nil {
		report.Nodes = len(rooted)
		report.Utilization = inventory.Utilization(rooted)
	}

	for _, t := range targets {
		r := reports[t.ID]
		r.StealFraction = t.StealFraction
		r.Security = t.Security
		r.MinSecurity = t.MinSecurity
		r.Value = t.Value
		r.MaxValue = t.MaxValue
		r.RequiredLevel = t.RequiredLevel
		report.Targets = append(report.Targets, *r)
	}
	sort.Slice(report.Targets, func(i, j int) bool { return report.Targets[i].ID < report.Targets[j].ID })

	report.Duration = e.now().Sub(start)
	e.store(report)

	e.emit(ctx, domain.EventTickCompleted, "", "", map[string]any{
		"tick":        report.Tick,
		"targeting":   report.Count(domain.TargetStateTargeting),
		"prepping":    report.Count(domain.TargetStatePrepping),
		"utilization": report.Utilization,
	})

	e.logger.Debug("Tick complete",
		zap.Int64("tick", report.Tick),
		zap.Duration("duration", report.Duration),
		zap.Int("targets", len(report.Targets)),
		zap.Float64("utilization", report.Utilization),
	)
	return report, nil
}

// runEligible works hackable targets in descending score until a cap is hit.
// Prepping targets are skipped without counting toward the target cap;
// targeting ones count.
func (e *Engine) runEligible(ctx context.Context, start time.Time, targets []*domain.Target, states map[string]domain.TargetState, reports map[string]*TargetReport) {
	var candidates []*domain.Target
	for _, t := range targets {
		switch states[t.ID] {
		case domain.TargetStateEligible, domain.TargetStateTargeting, domain.TargetStatePrepping:
			candidates = append(candidates, t)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := e.model.Score(candidates[i]), e.model.Score(candidates[j])
		if si != sj {
			return si > sj
		}
		return candidates[i].ID < candidates[j].ID
	})

	current := 0
	for _, t := range candidates {
		if ctx.Err() != nil {
			return
		}
		switch states[t.ID] {
		case domain.TargetStatePrepping:
			continue
		case domain.TargetStateTargeting:
			current++
			continue
		}

		if current >= e.config.MaxTargets {
			return
		}
		if e.overBudget(start) {
			e.logger.Debug("Loop budget spent", zap.String("next_target", t.ID))
			return
		}
		if e.overUtilized(ctx) {
			e.logger.Debug("Utilization cap reached", zap.String("next_target", t.ID))
			return
		}
		current++

		r := reports[t.ID]
		if err := e.work(ctx, t, r); err != nil {
			r.Error = err.Error()
			e.logger.Warn("Failed to work target", zap.String("target", t.ID), zap.Error(err))
		}
	}
}

// runUnhackable issues preparation-only work against targets above the
// player's level, lowest required level first.
func (e *Engine) runUnhackable(ctx context.Context, start time.Time, targets []*domain.Target, states map[string]domain.TargetState, reports map[string]*TargetReport) {
	var pending []*domain.Target
	for _, t := range targets {
		if states[t.ID] == domain.TargetStateUnhackable && !e.model.IsPrepared(t) {
			pending = append(pending, t)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].RequiredLevel != pending[j].RequiredLevel {
			return pending[i].RequiredLevel < pending[j].RequiredLevel
		}
		return pending[i].ID < pending[j].ID
	})

	for _, t := range pending {
		if ctx.Err() != nil || e.overBudget(start) || e.overUtilized(ctx) {
			return
		}
		r := reports[t.ID]
		threads, err := e.prepare(ctx, t)
		r.PrepThreads = threads
		if err != nil {
			r.Error = err.Error()
			e.logger.Debug("Preparation incomplete", zap.String("target", t.ID), zap.Error(err))
		}
		if threads > 0 {
			r.State = domain.TargetStatePrepping
			e.emit(ctx, domain.EventTargetPrepping, t.ID, "", map[string]any{"threads": threads, "hackable": false})
		}
	}
}

// work prepares an eligible target and, once prepared, tunes it and
// dispatches its batches.
func (e *Engine) work(ctx context.Context, t *domain.Target, r *TargetReport) error {
	if !e.config.ExtractOnly && !e.model.IsPrepared(t) {
		threads, err := e.prepare(ctx, t)
		r.PrepThreads = threads
		if threads > 0 {
			r.State = domain.TargetStatePrepping
			e.emit(ctx, domain.EventTargetPrepping, t.ID, "", map[string]any{"threads": threads, "hackable": true})
		}
		if err != nil && !errors.Is(err, domain.ErrResourceExhausted) {
			return err
		}
		return nil
	}

	res, err := e.tuner.Tune(ctx, t)
	if err != nil {
		return fmt.Errorf("failed to tune: %w", err)
	}
	if res.Changed {
		e.emit(ctx, domain.EventTargetTuned, t.ID, "", map[string]any{
			"fraction":   res.Fraction,
			"iterations": res.Iterations,
			"converged":  res.Converged,
		})
	}

	if e.model.StealThreadsNeeded(t) <= 0 {
		return nil
	}

	snap, err := e.tuner.Snapshot(ctx, t)
	if err != nil {
		return err
	}
	limit := snap.PacedBatches
	if snap.MaxBatches < limit {
		limit = snap.MaxBatches
	}
	batches := e.planner.Schedule(e.env.Now(), t, limit)
	if len(batches) == 0 {
		return nil
	}

	e.logger.Info("Scheduling batches",
		zap.String("target", t.ID),
		zap.Int("batches", len(batches)),
		zap.Float64("fraction", t.StealFraction),
		zap.Duration("resolve_time", e.planner.ResolveTime(t)),
	)

	dispatched := 0
	for _, b := range batches {
		if e.dispatch(ctx, t, b) {
			dispatched++
		}
	}

	r.Batches = dispatched
	if dispatched > 0 {
		r.State = domain.TargetStateTargeting
		e.emit(ctx, domain.EventBatchScheduled, t.ID, "", map[string]any{
			"batches":  dispatched,
			"fraction": t.StealFraction,
		})
	}
	return nil
}

// dispatch hands every stage of a batch to the allocator. It reports whether
// any stage was placed.
func (e *Engine) dispatch(ctx context.Context, t *domain.Target, b *domain.Batch) bool {
	placed := false
	for stage, item := range b.Items {
		if item.Threads <= 0 {
			item.Dispatched = true
			continue
		}
		tool, ok := e.catalog.Get(item.Kind)
		if !ok {
			e.logger.Error("No tool for stage", zap.String("kind", string(item.Kind)))
			continue
		}
		p, err := e.allocator.Dispatch(ctx, tool, item, b.Payload(stage, e.planner.StageDuration(item.Kind, t)))
		if p.Placed() > 0 {
			placed = true
		}
		if err != nil {
			e.logger.Debug("Stage not fully placed",
				zap.String("target", t.ID),
				zap.Int("batch", b.Sequence),
				zap.Int("stage", stage),
				zap.Int("remaining", p.Remaining()),
				zap.Error(err),
			)
		}
	}
	return placed
}

// classify decides the state of a target for this tick.
func (e *Engine) classify(t *domain.Target, act activity) domain.TargetState {
	if !t.Rooted {
		return domain.TargetStateUnrooted
	}

	switch {
	case !e.model.ShouldHack(t):
		return domain.TargetStateIgnored
	case act.prep:
		return domain.TargetStatePrepping
	case act.stage:
		return domain.TargetStateTargeting
	case !e.model.CanHack(t):
		return domain.TargetStateUnhackable
	default:
		return domain.TargetStateEligible
	}
}

// escalate roots every known node the player holds enough crackers for,
// whether or not it is worth targeting, so its capacity joins the pool.
// It returns the identities of the nodes rooted.
func (e *Engine) escalate(ctx context.Context, nodes []*domain.ComputeNode, crackers int) []string {
	var rooted []string
	for _, n := range nodes {
		if n.Rooted || !e.model.CanCrack(n.NodeInfo, crackers) {
			continue
		}
		if err := e.env.Escalate(ctx, n.ID); err != nil {
			e.logger.Warn("Failed to escalate", zap.String("node", n.ID), zap.Error(err))
			continue
		}
		n.Rooted = true
		rooted = append(rooted, n.ID)
		e.logger.Info("Node rooted", zap.String("node", n.ID))

		target := ""
		if n.IsTarget() {
			target = n.ID
		}
		e.emit(ctx, domain.EventNodeEscalated, target, n.ID, nil)
	}
	return rooted
}

// refreshTargets observes every potential target. Steal fractions carry
// over between ticks; everything else is observed fresh.
func (e *Engine) refreshTargets(ctx context.Context) ([]*domain.Target, error) {
	nodes, err := e.inventory.Targets(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(nodes))
	targets := make([]*domain.Target, 0, len(nodes))
	for _, n := range nodes {
		t, ok := e.targets[n.ID]
		if !ok {
			t = domain.NewTarget(n.NodeInfo)
			e.targets[n.ID] = t
		}
		t.NodeInfo = n.NodeInfo
		t.Reserved = n.Acquired || n.Local

		if err := e.inventory.Observe(ctx, t); err != nil {
			e.logger.Warn("Failed to observe target", zap.String("target", n.ID), zap.Error(err))
			continue
		}
		seen[n.ID] = true
		targets = append(targets, t)
	}

	for id := range e.targets {
		if !seen[id] {
			delete(e.targets, id)
		}
	}
	return targets, nil
}

// scanProcesses reads every node's process list once, returning what runs
// against each target and which helpers are running anywhere.
func (e *Engine) scanProcesses(ctx context.Context, nodes []*domain.ComputeNode) (map[string]activity, map[string]bool) {
	active := make(map[string]activity)
	running := make(map[string]bool)

	for _, n := range nodes {
		procs, err := e.env.ListProcesses(ctx, n.ID)
		if err != nil {
			e.logger.Debug("Failed to list processes", zap.String("node", n.ID), zap.Error(err))
			continue
		}
		for _, p := range procs {
			running[p.Tool] = true

			tool, ok := e.catalog.ByName(p.Tool)
			if !ok || !tool.IsTargeted() {
				continue
			}
			payload, err := domain.ParsePayload(p.Args)
			if err != nil {
				continue
			}
			a := active[payload.Target]
			if payload.Tag.IsPrep() {
				a.prep = true
			} else {
				a.stage = true
			}
			active[payload.Target] = a
		}
	}
	return active, running
}

// launchHelpers starts every auxiliary tool not running anywhere, one thread
// each. Once all are running the engine stops checking.
func (e *Engine) launchHelpers(ctx context.Context, running map[string]bool) []string {
	var launched []string
	all := true
	for _, h := range e.catalog.Helpers() {
		if running[h.Name] {
			continue
		}
		p, err := e.allocator.Allocate(ctx, h, 1, domain.Payload{})
		if err != nil {
			all = false
			e.logger.Debug("Helper not launched", zap.String("helper", h.Name), zap.Error(err))
			continue
		}
		node := p.Assignments[0].Node
		launched = append(launched, h.Name)
		e.logger.Info("Helper launched", zap.String("helper", h.Name), zap.String("node", node))
		e.emit(ctx, domain.EventHelperLaunched, "", node, map[string]any{"helper": h.Name})
	}
	e.helpersLaunched = all
	return launched
}

func (e *Engine) overBudget(start time.Time) bool {
	return e.config.LoopBudget > 0 && e.now().Sub(start) >= e.config.LoopBudget
}

func (e *Engine) overUtilized(ctx context.Context) bool {
	if e.config.UtilizationCap <= 0 {
		return false
	}
	nodes, err := e.inventory.RootedNodes(ctx)
	if err != nil {
		return true
	}
	return inventory.Utilization(nodes) >= e.config.UtilizationCap
}

func (e *Engine) emit(ctx context.Context, typ domain.EventType, target, node string, data map[string]any) {
	if e.sink == nil {
		return
	}
	event := &domain.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Target:    target,
		Node:      node,
		Data:      data,
		Timestamp: e.env.Now(),
	}
	if err := e.sink.Publish(ctx, event); err != nil {
		e.logger.Debug("Failed to publish event", zap.String("type", string(typ)), zap.Error(err))
	}
}

func (e *Engine) store(r *Report) {
	e.mu.Lock()
	e.lastReport = r
	e.mu.Unlock()
}

// LastReport returns the report of the most recent tick, or nil before the first.
func (e *Engine) LastReport() *Report {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastReport
}

// RunID returns the identifier of this engine instance.
func (e *Engine) RunID() string {
	return e.runID
}

// IsRunning returns true if the tick loop is running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}
