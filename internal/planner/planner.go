// Package planner computes the fire and resolve times of the stages of a
// batch so that they land on the target in a fixed order.
package planner

import (
	"time"

	"github.com/limiquantix/batchd/internal/domain"
	"github.com/limiquantix/batchd/internal/model"
)

const (
	// BatchInterval separates the starts of consecutive batches. One quarter
	// of it separates the resolves of the stages within a batch.
	BatchInterval = time.Second

	// QueueDelay is how far in the future the first batch starts, to absorb
	// dispatch latency.
	QueueDelay = 2 * time.Second

	// ExtractOnlyInterval separates single-stage batches in extraction-only mode.
	ExtractOnlyInterval = 250 * time.Millisecond
)

// Timing holds the pacing parameters of a schedule.
type Timing struct {
	Interval   time.Duration
	QueueDelay time.Duration
}

// DefaultTiming returns the pacing for full four-stage batches.
func DefaultTiming() Timing {
	return Timing{Interval: BatchInterval, QueueDelay: QueueDelay}
}

// ExtractOnlyTiming returns the pacing for single-stage batches.
func ExtractOnlyTiming() Timing {
	return Timing{Interval: ExtractOnlyInterval, QueueDelay: QueueDelay}
}

// Spacing returns the gap between consecutive stage resolves.
func (t Timing) Spacing() time.Duration {
	return t.Interval / 4
}

// Planner builds batches for a target.
type Planner struct {
	model       *model.Model
	timing      Timing
	extractOnly bool
}

// New creates a new Planner.
func New(m *model.Model, timing Timing, extractOnly bool) *Planner {
	return &Planner{model: m, timing: timing, extractOnly: extractOnly}
}

// Timing returns the pacing the planner uses.
func (p *Planner) Timing() Timing {
	return p.timing
}

// ExtractOnly reports whether the planner builds single-stage batches.
func (p *Planner) ExtractOnly() bool {
	return p.extractOnly
}

// Plan returns the batch with the given sequence number starting at start.
func (p *Planner) Plan(start time.Time, t *domain.Target, seq int) *domain.Batch {
	if p.extractOnly {
		return p.planExtractOnly(start, t, seq)
	}

	hack := p.model.HackDuration(t)
	grow := p.model.GrowDuration(t)
	weaken := p.model.WeakenDuration(t)
	spacing := p.timing.Spacing()

	finalWeakenEnd := start.Add(weaken + 3*spacing)
	growEnd := finalWeakenEnd.Add(-spacing)
	firstWeakenEnd := growEnd.Add(-spacing)
	stealEnd := firstWeakenEnd.Add(-spacing)

	items := make([]*domain.ScheduleItem, 4)
	items[domain.StageSteal] = &domain.ScheduleItem{
		Kind:    domain.ToolKindHack,
		Start:   stealEnd.Add(-hack),
		End:     stealEnd,
		Threads: p.model.StealThreadsNeeded(t),
	}
	items[domain.StageWeakenAfterSteal] = &domain.ScheduleItem{
		Kind:    domain.ToolKindWeaken,
		Start:   firstWeakenEnd.Add(-weaken),
		End:     firstWeakenEnd,
		Threads: p.model.WeakenThreadsAfterTheft(t),
	}
	items[domain.StageGrow] = &domain.ScheduleItem{
		Kind:    domain.ToolKindGrow,
		Start:   growEnd.Add(-grow),
		End:     growEnd,
		Threads: p.model.GrowthThreadsNeededAfterTheft(t),
	}
	items[domain.StageWeakenAfterGrow] = &domain.ScheduleItem{
		Kind:    domain.ToolKindWeaken,
		Start:   finalWeakenEnd.Add(-weaken),
		End:     finalWeakenEnd,
		Threads: p.model.WeakenThreadsAfterGrowth(t),
	}

	firstFire := items[0].Start
	for _, it := range items[1:] {
		if it.Start.Before(firstFire) {
			firstFire = it.Start
		}
	}

	return &domain.Batch{
		Sequence:  seq,
		Target:    t.ID,
		Start:     start,
		FirstFire: firstFire,
		StealEnd:  stealEnd,
		Finish:    finalWeakenEnd,
		Items:     items,
	}
}

func (p *Planner) planExtractOnly(start time.Time, t *domain.Target, seq int) *domain.Batch {
	end := start.Add(p.model.HackDuration(t))
	return &domain.Batch{
		Sequence:  seq,
		Target:    t.ID,
		Start:     start,
		FirstFire: start,
		StealEnd:  end,
		Finish:    end,
		Items: []*domain.ScheduleItem{{
			Kind:    domain.ToolKindHack,
			Start:   start,
			End:     end,
			Threads: p.model.StealThreadsNeeded(t),
		}},
	}
}

// Schedule builds up to maxBatches consecutive batches, the first starting
// one queue delay after now. It stops before the first batch that would fire
// at or after the first batch's steal resolves.
func (p *Planner) Schedule(now time.Time, t *domain.Target, maxBatches int) []*domain.Batch {
	if maxBatches <= 0 {
		return nil
	}

	first := now.Add(p.timing.QueueDelay)
	batches := make([]*domain.Batch, 0, maxBatches)
	for seq := 0; seq < maxBatches; seq++ {
		b := p.Plan(first.Add(time.Duration(seq)*p.timing.Interval), t, seq)
		if seq > 0 && !b.FirstFire.Before(batches[0].StealEnd) {
			break
		}
		batches = append(batches, b)
	}
	return batches
}

// ResolveTime returns how long after its start a batch's last stage resolves,
// ignoring the stage spacing.
func (p *Planner) ResolveTime(t *domain.Target) time.Duration {
	if p.extractOnly {
		return p.model.HackDuration(t)
	}
	return p.model.WeakenDuration(t)
}

// StageDuration returns the run time of a stage kind against the target.
func (p *Planner) StageDuration(kind domain.ToolKind, t *domain.Target) time.Duration {
	switch kind {
	case domain.ToolKindHack:
		return p.model.HackDuration(t)
	case domain.ToolKindGrow:
		return p.model.GrowDuration(t)
	case domain.ToolKindWeaken:
		return p.model.WeakenDuration(t)
	default:
		return 0
	}
}
