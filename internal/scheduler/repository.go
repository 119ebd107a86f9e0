package scheduler

import (
	"context"
	"time"

	"github.com/limiquantix/batchd/internal/allocator"
	"github.com/limiquantix/batchd/internal/domain"
)

// Environment is the part of the external environment the engine talks to
// directly. Topology and capacity go through the inventory.
type Environment interface {
	allocator.Environment

	// Now returns the environment's notion of the current time.
	Now() time.Time

	// Escalate obtains privilege on a node. Already rooted nodes are a no-op.
	Escalate(ctx context.Context, node string) error

	// Crackers returns the number of unlock tools available.
	Crackers(ctx context.Context) (int, error)

	// ListProcesses returns the processes running on a node.
	ListProcesses(ctx context.Context, node string) ([]domain.Process, error)
}

// LeaderChecker checks if this instance is the leader.
type LeaderChecker interface {
	IsLeader() bool
}

// EventSink receives scheduler events.
type EventSink interface {
	Publish(ctx context.Context, event *domain.Event) error
}

// MultiSink fans events out to several sinks. Sink errors do not stop delivery
// to the remaining sinks; the first error is returned.
type MultiSink []EventSink

// Publish delivers the event to every sink.
func (m MultiSink) Publish(ctx context.Context, event *domain.Event) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
