// Package model derives thread counts, yields and priorities for a target
// from its observed state and the player/environment multipliers.
// Every function is pure; nothing is cached between calls.
package model

import (
	"math"
	"time"

	"github.com/limiquantix/batchd/internal/domain"
)

const (
	// GrowThreadHardening is the security added by one grow thread.
	GrowThreadHardening = 0.004

	// HackThreadHardening is the security added by one steal thread.
	HackThreadHardening = 0.002

	// WeakenThreadPotency is the security removed by one weaken thread before multipliers.
	WeakenThreadPotency = 0.05

	// UnadjustedGrowthRate is the nominal growth rate before the security adjustment.
	UnadjustedGrowthRate = 1.03

	// MaxGrowthRate caps the adjusted per-cycle growth rate.
	MaxGrowthRate = 1.0035

	// floorEpsilon absorbs float rounding before truncating thread counts.
	floorEpsilon = 1e-9
)

// Model evaluates targets under a fixed multiplier set.
type Model struct {
	mults domain.Multipliers
}

// New creates a Model.
func New(mults domain.Multipliers) *Model {
	return &Model{mults: mults}
}

// Multipliers returns the multiplier set the model evaluates with.
func (m *Model) Multipliers() domain.Multipliers {
	return m.mults
}

// WeakenPotency returns the security removed by one weaken thread.
func (m *Model) WeakenPotency() float64 {
	return WeakenThreadPotency * m.mults.EnvWeaken
}

// RequiredWeakenThreads returns the weaken threads needed to bring security to its floor.
func (m *Model) RequiredWeakenThreads(t *domain.Target) int {
	excess := t.Security - t.MinSecurity
	if excess <= 0 {
		return 0
	}
	return ceilThreads(excess / m.WeakenPotency())
}

// FractionStolenPerThread returns the fraction of value one steal thread extracts.
func (m *Model) FractionStolenPerThread(t *domain.Target) float64 {
	if t.PlayerLevel <= 0 {
		return 0
	}
	ease := (100 - math.Min(100, t.MinSecurity)) / 100
	skill := float64(t.PlayerLevel-(t.RequiredLevel-1)) / float64(t.PlayerLevel)
	f := ease * skill * m.mults.PlayerMoney * m.mults.EnvMoney / 240
	return math.Min(1, math.Max(0, f))
}

// StealThreadsNeeded returns the steal threads that take the target's steal fraction.
func (m *Model) StealThreadsNeeded(t *domain.Target) int {
	per := m.FractionStolenPerThread(t)
	if per <= 0 {
		return 0
	}
	n := t.StealFraction / per
	if math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 {
		return 0
	}
	return int(math.Floor(n + floorEpsilon))
}

// ActualStealFraction returns the fraction the rounded steal thread count really takes.
func (m *Model) ActualStealFraction(t *domain.Target) float64 {
	return math.Min(1, float64(m.StealThreadsNeeded(t))*m.FractionStolenPerThread(t))
}

// AdjustedGrowthRate returns the security-adjusted growth rate of the target.
func (m *Model) AdjustedGrowthRate(t *domain.Target) float64 {
	if t.MinSecurity <= 0 {
		return MaxGrowthRate
	}
	return math.Min(MaxGrowthRate, 1+(UnadjustedGrowthRate-1)/t.MinSecurity)
}

// GrowthPercentage returns the growth cycles one grow thread delivers.
func (m *Model) GrowthPercentage(t *domain.Target) float64 {
	return t.GrowthParam * m.mults.EnvGrowth * m.mults.PlayerGrowth / 100
}

// PerThreadGrowthRate returns the value multiplier of one grow thread.
func (m *Model) PerThreadGrowthRate(t *domain.Target) float64 {
	return math.Pow(m.AdjustedGrowthRate(t), m.GrowthPercentage(t))
}

// GrowthThreadsNeeded returns the grow threads that restore current value to maximum.
func (m *Model) GrowthThreadsNeeded(t *domain.Target) int {
	if t.Value >= t.MaxValue {
		return 0
	}
	return m.growthThreadsFor(t, t.MaxValue/math.Max(t.Value, 1))
}

// GrowthThreadsNeededAfterTheft returns the grow threads that restore one batch's theft.
func (m *Model) GrowthThreadsNeededAfterTheft(t *domain.Target) int {
	stolen := m.ActualStealFraction(t)
	if stolen <= 0 {
		return 0
	}
	if stolen >= 1 {
		stolen = domain.MaxStealFraction
	}
	return m.growthThreadsFor(t, 1/(1-stolen))
}

// WeakenThreadsAfterTheft returns the weaken threads that offset one batch's steal.
func (m *Model) WeakenThreadsAfterTheft(t *domain.Target) int {
	return ceilThreads(float64(m.StealThreadsNeeded(t)) * HackThreadHardening / m.WeakenPotency())
}

// WeakenThreadsAfterGrowth returns the weaken threads that offset one batch's regrowth.
func (m *Model) WeakenThreadsAfterGrowth(t *domain.Target) int {
	return m.WeakenThreadsForGrowth(m.GrowthThreadsNeededAfterTheft(t))
}

// WeakenThreadsForGrowth returns the weaken threads that offset the given grow threads.
func (m *Model) WeakenThreadsForGrowth(growThreads int) int {
	return ceilThreads(float64(growThreads) * GrowThreadHardening / m.WeakenPotency())
}

// WeakenThreadsPerBatch returns both weaken stages of one batch.
func (m *Model) WeakenThreadsPerBatch(t *domain.Target) int {
	return m.WeakenThreadsAfterTheft(t) + m.WeakenThreadsAfterGrowth(t)
}

// HackDuration returns the observed steal duration.
func (m *Model) HackDuration(t *domain.Target) time.Duration { return t.HackTime }

// GrowDuration returns the observed grow duration.
func (m *Model) GrowDuration(t *domain.Target) time.Duration { return t.GrowTime }

// WeakenDuration returns the observed weaken duration.
func (m *Model) WeakenDuration(t *domain.Target) time.Duration { return t.WeakenTime }

// ShouldHack returns false for targets that must never be scheduled.
func (m *Model) ShouldHack(t *domain.Target) bool {
	return t.MaxValue > 0 && !t.Reserved
}

// CanHack returns true when the player's level allows stealing from the target.
func (m *Model) CanHack(t *domain.Target) bool {
	return t.RequiredLevel <= t.PlayerLevel && m.FractionStolenPerThread(t) > 0
}

// CanCrack returns true when enough unlock tools exist to escalate the node.
func (m *Model) CanCrack(n domain.NodeInfo, crackers int) bool {
	return crackers >= n.RequiredPorts
}

// IsPrepared returns true when the target sits at its security floor and maximum value.
func (m *Model) IsPrepared(t *domain.Target) bool {
	return t.Security <= t.MinSecurity && t.Value >= t.MaxValue
}

// Score ranks targets by value per weaken time. Targets already at their
// security floor are scored as if weakening were instant.
func (m *Model) Score(t *domain.Target) float64 {
	if t.MaxValue <= 0 {
		return 0
	}
	weaken := float64(t.WeakenTime.Milliseconds())
	if t.Security <= t.MinSecurity {
		weaken = 1
	}
	return t.MaxValue / math.Max(1, weaken)
}

func (m *Model) growthThreadsFor(t *domain.Target, multiplier float64) int {
	if multiplier <= 1 {
		return 0
	}
	rate := m.PerThreadGrowthRate(t)
	if rate <= 1 {
		return 0
	}
	return ceilThreads(math.Log(multiplier) / math.Log(rate))
}

func ceilThreads(f float64) int {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0
	}
	return int(math.Ceil(f - floorEpsilon))
}
