package domain

import "time"

// EventType names a scheduler event.
type EventType string

const (
	EventNodeEscalated  EventType = "node.escalated"
	EventNodeRemoved    EventType = "node.removed"
	EventTargetPrepping EventType = "target.prepping"
	EventTargetTuned    EventType = "target.tuned"
	EventBatchScheduled EventType = "batch.scheduled"
	EventHelperLaunched EventType = "helper.launched"
	EventTickCompleted  EventType = "tick.completed"
)

// Event is a scheduler event published to sinks.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Target    string         `json:"target,omitempty"`
	Node      string         `json:"node,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
