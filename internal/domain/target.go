package domain

import "time"

// Steal fraction bounds and tuning step.
const (
	DefaultStealFraction = 0.5
	MinStealFraction     = 0.01
	MaxStealFraction     = 0.98
	StealFractionStep    = 0.01
)

// TargetState is the classification of a target for one tick.
type TargetState string

const (
	TargetStateUnrooted   TargetState = "UNROOTED"
	TargetStateIgnored    TargetState = "IGNORED"
	TargetStatePrepping   TargetState = "PREPPING"
	TargetStateTargeting  TargetState = "TARGETING"
	TargetStateUnhackable TargetState = "UNHACKABLE"
	TargetStateEligible   TargetState = "ELIGIBLE"
)

// Multipliers are the externally supplied player and environment multiplier sets.
type Multipliers struct {
	PlayerMoney  float64 `json:"player_money" yaml:"player_money"`
	PlayerGrowth float64 `json:"player_growth" yaml:"player_growth"`
	EnvMoney     float64 `json:"env_money" yaml:"env_money"`
	EnvGrowth    float64 `json:"env_growth" yaml:"env_growth"`
	EnvWeaken    float64 `json:"env_weaken" yaml:"env_weaken"`
}

// DefaultMultipliers returns the neutral multiplier set.
func DefaultMultipliers() Multipliers {
	return Multipliers{
		PlayerMoney:  1,
		PlayerGrowth: 1,
		EnvMoney:     1,
		EnvGrowth:    1,
		EnvWeaken:    1,
	}
}

// Observation is the live state of a target queried from the environment.
type Observation struct {
	Security    float64       `json:"security"`
	Value       float64       `json:"value"`
	PlayerLevel int           `json:"player_level"`
	HackTime    time.Duration `json:"hack_time"`
	GrowTime    time.Duration `json:"grow_time"`
	WeakenTime  time.Duration `json:"weaken_time"`
}

// Target is an entity to extract value from.
type Target struct {
	NodeInfo
	Observation

	// Reserved targets (self-owned or acquired) are never scheduled.
	Reserved bool `json:"reserved"`
	Rooted   bool `json:"rooted"`

	// StealFraction is the fraction of value extracted per batch.
	// Only the tuner changes it.
	StealFraction float64 `json:"steal_fraction"`
}

// NewTarget creates a target for the node with the default steal fraction.
func NewTarget(info NodeInfo) *Target {
	return &Target{
		NodeInfo:      info,
		StealFraction: DefaultStealFraction,
	}
}

// ClampStealFraction bounds a steal fraction to the tunable range.
func ClampStealFraction(f float64) float64 {
	switch {
	case f < MinStealFraction:
		return MinStealFraction
	case f > MaxStealFraction:
		return MaxStealFraction
	default:
		return f
	}
}
