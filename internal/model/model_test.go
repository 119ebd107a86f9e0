package model

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limiquantix/batchd/internal/domain"
)

// preparedTarget returns a target whose steal yield is exactly 0.05 per thread
// with the multipliers from scenarioMultipliers.
func preparedTarget() *domain.Target {
	t := domain.NewTarget(domain.NodeInfo{
		ID:            "joesguns",
		MinSecurity:   10,
		MaxValue:      1e6,
		RequiredLevel: 1,
		GrowthParam:   40,
	})
	t.Security = 10
	t.Value = 1e6
	t.PlayerLevel = 1
	t.HackTime = 10 * time.Second
	t.GrowTime = 32 * time.Second
	t.WeakenTime = 40 * time.Second
	return t
}

func scenarioMultipliers() domain.Multipliers {
	m := domain.DefaultMultipliers()
	// ease 0.9 × skill 1 × money / 240 = 0.05
	m.PlayerMoney = 40.0 / 3.0
	return m
}

func TestStealScenario(t *testing.T) {
	m := New(scenarioMultipliers())
	target := preparedTarget()

	assert.InDelta(t, 0.05, m.FractionStolenPerThread(target), 1e-12)
	assert.Equal(t, 10, m.StealThreadsNeeded(target))
	assert.InDelta(t, 0.5, m.ActualStealFraction(target), 1e-9)

	want := int(math.Ceil(10 * HackThreadHardening / m.WeakenPotency()))
	assert.Equal(t, want, m.WeakenThreadsAfterTheft(target))
	assert.Equal(t, 1, m.WeakenThreadsAfterTheft(target))
	assert.True(t, m.IsPrepared(target))
}

func TestRequiredWeakenThreads(t *testing.T) {
	m := New(domain.DefaultMultipliers())
	target := preparedTarget()

	for _, sec := range []float64{0, 5, 9.99, 10} {
		target.Security = sec
		assert.Equal(t, 0, m.RequiredWeakenThreads(target), "security %v", sec)
	}

	for _, sec := range []float64{10.01, 11, 25.5, 100} {
		target.Security = sec
		n := m.RequiredWeakenThreads(target)
		assert.GreaterOrEqual(t, n, 1, "security %v", sec)
		assert.GreaterOrEqual(t, float64(n)*m.WeakenPotency(), sec-target.MinSecurity-1e-9)
	}

	target.Security = 11
	assert.Equal(t, 20, m.RequiredWeakenThreads(target))
}

func TestRequiredWeakenThreads_EnvWeaken(t *testing.T) {
	mults := domain.DefaultMultipliers()
	mults.EnvWeaken = 2
	m := New(mults)
	target := preparedTarget()
	target.Security = 11

	assert.InDelta(t, 0.1, m.WeakenPotency(), 1e-12)
	assert.Equal(t, 10, m.RequiredWeakenThreads(target))
}

func TestStealThreadsMonotonic(t *testing.T) {
	m := New(scenarioMultipliers())
	target := preparedTarget()

	prev := -1
	for f := domain.MinStealFraction; f <= domain.MaxStealFraction+1e-9; f += domain.StealFractionStep {
		target.StealFraction = f
		n := m.StealThreadsNeeded(target)
		assert.GreaterOrEqual(t, n, prev, "fraction %v", f)
		assert.GreaterOrEqual(t, n, 0)
		prev = n
	}
}

func TestStealThreads_NoYield(t *testing.T) {
	m := New(domain.DefaultMultipliers())
	target := preparedTarget()

	target.MinSecurity = 100
	assert.Equal(t, 0.0, m.FractionStolenPerThread(target))
	assert.Equal(t, 0, m.StealThreadsNeeded(target))
	assert.Equal(t, 0, m.GrowthThreadsNeededAfterTheft(target))

	target.MinSecurity = 10
	target.PlayerLevel = 0
	assert.Equal(t, 0, m.StealThreadsNeeded(target))
	assert.False(t, m.CanHack(target))
}

func TestGrowthThreads(t *testing.T) {
	m := New(scenarioMultipliers())
	target := preparedTarget()

	assert.Equal(t, 0, m.GrowthThreadsNeeded(target))

	target.Value = target.MaxValue / 2
	n := m.GrowthThreadsNeeded(target)
	require.Greater(t, n, 0)

	rate := m.PerThreadGrowthRate(target)
	assert.GreaterOrEqual(t, math.Pow(rate, float64(n)), 2-1e-9)
	assert.Less(t, math.Pow(rate, float64(n-1)), 2.0)

	// Half the value stolen needs the same doubling.
	assert.Equal(t, n, m.GrowthThreadsNeededAfterTheft(target))

	target.Value = 0
	assert.Greater(t, m.GrowthThreadsNeeded(target), n)
}

func TestAdjustedGrowthRate(t *testing.T) {
	m := New(domain.DefaultMultipliers())
	target := preparedTarget()

	target.MinSecurity = 1
	assert.Equal(t, MaxGrowthRate, m.AdjustedGrowthRate(target))

	target.MinSecurity = 10
	assert.InDelta(t, 1.003, m.AdjustedGrowthRate(target), 1e-12)
}

func TestWeakenThreadsPerBatch(t *testing.T) {
	m := New(scenarioMultipliers())
	target := preparedTarget()

	grow := m.GrowthThreadsNeededAfterTheft(target)
	assert.Equal(t, m.WeakenThreadsForGrowth(grow), m.WeakenThreadsAfterGrowth(target))
	assert.Equal(t,
		m.WeakenThreadsAfterTheft(target)+m.WeakenThreadsAfterGrowth(target),
		m.WeakenThreadsPerBatch(target),
	)
}

func TestPredicates(t *testing.T) {
	m := New(scenarioMultipliers())
	target := preparedTarget()

	assert.True(t, m.ShouldHack(target))
	target.Reserved = true
	assert.False(t, m.ShouldHack(target))
	target.Reserved = false
	target.MaxValue = 0
	assert.False(t, m.ShouldHack(target))

	target = preparedTarget()
	target.RequiredLevel = 5
	target.PlayerLevel = 4
	assert.False(t, m.CanHack(target))
	target.PlayerLevel = 5
	assert.True(t, m.CanHack(target))

	target.RequiredPorts = 3
	assert.False(t, m.CanCrack(target.NodeInfo, 2))
	assert.True(t, m.CanCrack(target.NodeInfo, 3))

	target.Security = 10.5
	assert.False(t, m.IsPrepared(target))
}

func TestScore(t *testing.T) {
	m := New(domain.DefaultMultipliers())

	floor := preparedTarget()
	above := preparedTarget()
	above.Security = 20

	assert.Equal(t, floor.MaxValue, m.Score(floor))
	assert.InDelta(t, above.MaxValue/40000, m.Score(above), 1e-9)
	assert.Greater(t, m.Score(floor), m.Score(above))

	above.MaxValue = 0
	assert.Equal(t, 0.0, m.Score(above))
}
