package domain

// ToolKind is the logical kind of an operation.
type ToolKind string

const (
	ToolKindHack   ToolKind = "hack"
	ToolKindGrow   ToolKind = "grow"
	ToolKindWeaken ToolKind = "weaken"
	ToolKindHelper ToolKind = "helper"
)

// Tool is an executable operation with a per-thread resource cost.
type Tool struct {
	Name string   `json:"name"`
	Kind ToolKind `json:"kind"`
	Cost float64  `json:"cost"`

	// Spreadable tools may have their threads split across many nodes.
	Spreadable bool `json:"spreadable"`
}

// IsTargeted returns true for the tools that act on a target.
func (t Tool) IsTargeted() bool {
	return t.Kind == ToolKindHack || t.Kind == ToolKindGrow || t.Kind == ToolKindWeaken
}
