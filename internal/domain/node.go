package domain

import "time"

// NodeInfo is the static description of a host, as reported by the topology collaborator.
// Every reachable host is both a potential compute node and a potential target.
type NodeInfo struct {
	ID            string  `json:"id" yaml:"id"`
	MinSecurity   float64 `json:"min_security" yaml:"min_security"`
	MaxValue      float64 `json:"max_value" yaml:"max_value"`
	RequiredLevel int     `json:"required_level" yaml:"required_level"`
	RequiredPorts int     `json:"required_ports" yaml:"required_ports"`
	GrowthParam   float64 `json:"growth_param" yaml:"growth_param"`
}

// ComputeNode is a capacity-providing host.
type ComputeNode struct {
	NodeInfo

	// Acquired is set for nodes obtained by the acquisition collaborator rather
	// than discovered by traversal. Acquired nodes are never targets.
	Acquired bool `json:"acquired"`

	// Local is the node the scheduler itself runs on.
	Local bool `json:"local"`

	// Live fields, only meaningful for the decision they were queried for.
	TotalCapacity float64 `json:"total_capacity"`
	UsedCapacity  float64 `json:"used_capacity"`
	Rooted        bool    `json:"rooted"`

	DiscoveredAt time.Time `json:"discovered_at"`
}

// FreeCapacity returns the capacity left on the node at the time it was queried.
func (n *ComputeNode) FreeCapacity() float64 {
	free := n.TotalCapacity - n.UsedCapacity
	if free < 0 {
		return 0
	}
	return free
}

// ThreadsFor returns how many threads of the given per-thread cost fit on the node.
func (n *ComputeNode) ThreadsFor(cost float64) int {
	if cost <= 0 {
		return 0
	}
	return int(n.FreeCapacity() / cost)
}

// IsTarget returns true if the node could ever be a target.
func (n *ComputeNode) IsTarget() bool {
	return n.MaxValue > 0 && !n.Acquired && !n.Local
}
