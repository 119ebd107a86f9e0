package domain

import "time"

// Stage indexes within a full batch.
const (
	StageSteal = iota
	StageWeakenAfterSteal
	StageGrow
	StageWeakenAfterGrow
)

// ScheduleItem is one stage of a batch.
type ScheduleItem struct {
	Kind    ToolKind  `json:"kind"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Threads int       `json:"threads"`

	// Dispatched is set once the item has been handed to the allocator.
	Dispatched bool `json:"dispatched"`
}

// Duration returns the planned run time of the item.
func (i *ScheduleItem) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Batch is one full pipeline cycle against a target.
type Batch struct {
	Sequence  int             `json:"sequence"`
	Target    string          `json:"target"`
	Start     time.Time       `json:"start"`
	FirstFire time.Time       `json:"first_fire"`
	StealEnd  time.Time       `json:"steal_end"`
	Finish    time.Time       `json:"finish"`
	Items     []*ScheduleItem `json:"items"`
}

// Payload builds the dispatch payload for the item at the given stage index.
func (b *Batch) Payload(stage int, duration time.Duration) Payload {
	item := b.Items[stage]
	return Payload{
		Target:   b.Target,
		Start:    item.Start,
		End:      item.End,
		Duration: duration,
		Tag:      StageTag(b.Sequence, stage),
	}
}

// PerformanceSnapshot captures how a target's batches fit the node pool at
// its current steal fraction.
type PerformanceSnapshot struct {
	StealFraction float64 `json:"steal_fraction"`
	BatchCost     float64 `json:"batch_cost"`
	MaxBatches    int     `json:"max_batches"`
	PacedBatches  int     `json:"paced_batches"`
}

// Saturated returns true if at least the paced number of batches fit.
func (s PerformanceSnapshot) Saturated() bool {
	return s.MaxBatches >= s.PacedBatches
}
