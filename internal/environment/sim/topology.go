package sim

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/limiquantix/batchd/internal/domain"
)

//go:embed default_topology.yaml
var defaultTopology []byte

// Topology describes a simulated network.
type Topology struct {
	Local       string             `yaml:"local"`
	Player      PlayerSpec         `yaml:"player"`
	Multipliers domain.Multipliers `yaml:"multipliers"`
	Tools       []ToolSpec         `yaml:"tools"`
	Hosts       []HostSpec         `yaml:"hosts"`
}

// PlayerSpec holds the simulated player's progression.
type PlayerSpec struct {
	Level    int `yaml:"level"`
	Crackers int `yaml:"crackers"`
}

// ToolSpec declares an executable available on the local node.
type ToolSpec struct {
	Name string          `yaml:"name"`
	Kind domain.ToolKind `yaml:"kind"`
	Cost float64         `yaml:"cost"`
}

// HostSpec declares one host of the network.
type HostSpec struct {
	domain.NodeInfo `yaml:",inline"`

	Capacity float64  `yaml:"capacity"`
	Security float64  `yaml:"security"`
	Value    float64  `yaml:"value"`
	Rooted   bool     `yaml:"rooted"`
	Acquired bool     `yaml:"acquired"`
	Links    []string `yaml:"links"`
}

// DefaultTopology returns the built-in network.
func DefaultTopology() (*Topology, error) {
	return ParseTopology(defaultTopology)
}

// LoadTopology reads a topology from a YAML file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	return ParseTopology(data)
}

// ParseTopology decodes and validates a YAML topology.
func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks that the topology is self-consistent.
func (t *Topology) Validate() error {
	if t.Local == "" {
		return fmt.Errorf("%w: topology has no local node", domain.ErrInvalidArgument)
	}

	ids := make(map[string]bool, len(t.Hosts))
	for _, h := range t.Hosts {
		if h.ID == "" {
			return fmt.Errorf("%w: host without id", domain.ErrInvalidArgument)
		}
		if ids[h.ID] {
			return fmt.Errorf("%w: duplicate host %s", domain.ErrInvalidArgument, h.ID)
		}
		ids[h.ID] = true
	}
	if !ids[t.Local] {
		return fmt.Errorf("%w: local node %s is not a host", domain.ErrInvalidArgument, t.Local)
	}
	for _, h := range t.Hosts {
		for _, l := range h.Links {
			if !ids[l] {
				return fmt.Errorf("%w: host %s links to unknown host %s", domain.ErrInvalidArgument, h.ID, l)
			}
		}
	}

	for _, tool := range t.Tools {
		if tool.Cost <= 0 {
			return fmt.Errorf("%w: tool %s has cost %v", domain.ErrInvalidArgument, tool.Name, tool.Cost)
		}
	}

	if t.Player.Level <= 0 {
		t.Player.Level = 1
	}
	if t.Multipliers == (domain.Multipliers{}) {
		t.Multipliers = domain.DefaultMultipliers()
	}
	return nil
}
