package scheduler

import (
	"time"

	"github.com/limiquantix/batchd/internal/domain"
)

// TargetReport is the outcome of one tick for one target.
type TargetReport struct {
	ID            string             `json:"id"`
	State         domain.TargetState `json:"state"`
	Score         float64            `json:"score"`
	StealFraction float64            `json:"steal_fraction"`
	Security      float64            `json:"security"`
	MinSecurity   float64            `json:"min_security"`
	Value         float64            `json:"value"`
	MaxValue      float64            `json:"max_value"`
	RequiredLevel int                `json:"required_level"`
	Batches       int                `json:"batches"`
	PrepThreads   int                `json:"prep_threads"`
	Error         string             `json:"error,omitempty"`
}

// Report is the outcome of one tick.
type Report struct {
	RunID       string         `json:"run_id"`
	Tick        int64          `json:"tick"`
	StartedAt   time.Time      `json:"started_at"`
	Duration    time.Duration  `json:"duration"`
	Skipped     bool           `json:"skipped"`
	Nodes       int            `json:"nodes"`
	Utilization float64        `json:"utilization"`
	Added       []string       `json:"added,omitempty"`
	Removed     []string       `json:"removed,omitempty"`
	Escalated   []string       `json:"escalated,omitempty"`
	Helpers     []string       `json:"helpers,omitempty"`
	Targets     []TargetReport `json:"targets"`
}

// Target returns the report for one target.
func (r *Report) Target(id string) (TargetReport, bool) {
	for _, t := range r.Targets {
		if t.ID == id {
			return t, true
		}
	}
	return TargetReport{}, false
}

// Count returns how many targets ended the tick in the given state.
func (r *Report) Count(state domain.TargetState) int {
	n := 0
	for _, t := range r.Targets {
		if t.State == state {
			n++
		}
	}
	return n
}
