package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/batchd/internal/domain"
)

const testTopology = `
local: home
player: { level: 50, crackers: 1 }
tools:
  - { name: hack-target.js, kind: hack, cost: 1.7 }
  - { name: grow-target.js, kind: grow, cost: 1.75 }
  - { name: weak-target.js, kind: weaken, cost: 1.75 }
  - { name: host-manager.js, kind: helper, cost: 5 }
hosts:
  - id: home
    capacity: 32
    links: [alpha]
  - id: alpha
    min_security: 5
    security: 10
    max_value: 1000000
    value: 500000
    required_level: 10
    required_ports: 0
    growth_param: 20
    capacity: 16
    links: [beta]
  - id: beta
    min_security: 8
    security: 8
    max_value: 2000000
    value: 2000000
    required_level: 20
    required_ports: 2
    capacity: 8
`

var epoch = time.UnixMilli(1_700_000_000_000)

func newTestNetwork(t *testing.T) *Network {
	t.Helper()
	topo, err := ParseTopology([]byte(testTopology))
	require.NoError(t, err)
	return New(topo, NewManualClock(epoch), zap.NewNop())
}

func TestDefaultTopology(t *testing.T) {
	topo, err := DefaultTopology()
	require.NoError(t, err)

	assert.Equal(t, "home", topo.Local)
	assert.NotEmpty(t, topo.Hosts)
	assert.Equal(t, domain.DefaultMultipliers(), topo.Multipliers)

	kinds := make(map[domain.ToolKind]int)
	for _, tool := range topo.Tools {
		kinds[tool.Kind]++
	}
	assert.Equal(t, 1, kinds[domain.ToolKindHack])
	assert.Equal(t, 1, kinds[domain.ToolKindGrow])
	assert.Equal(t, 1, kinds[domain.ToolKindWeaken])
}

func TestParseTopology_Invalid(t *testing.T) {
	tests := map[string]string{
		"no local":      "hosts: [{id: a}]",
		"missing local": "local: home\nhosts: [{id: a}]",
		"duplicate":     "local: a\nhosts: [{id: a}, {id: a}]",
		"dangling link": "local: a\nhosts: [{id: a, links: [b]}]",
		"bad cost":      "local: a\nhosts: [{id: a}]\ntools: [{name: x, kind: hack, cost: 0}]",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTopology([]byte(doc))
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestScan_Symmetric(t *testing.T) {
	n := newTestNetwork(t)
	ctx := context.Background()

	neighbors, err := n.Scan(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"beta", "home"}, neighbors)

	_, err = n.Scan(ctx, "nowhere")
	assert.ErrorIs(t, err, domain.ErrNodeGone)
}

func TestEscalate(t *testing.T) {
	n := newTestNetwork(t)
	ctx := context.Background()

	rooted, err := n.HasPrivilege(ctx, "home")
	require.NoError(t, err)
	assert.True(t, rooted)

	require.NoError(t, n.Escalate(ctx, "alpha"))
	require.NoError(t, n.Escalate(ctx, "alpha"))
	rooted, err = n.HasPrivilege(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, rooted)

	assert.ErrorIs(t, n.Escalate(ctx, "beta"), domain.ErrNotRooted)
}

func TestLaunch_Errors(t *testing.T) {
	n := newTestNetwork(t)
	ctx := context.Background()
	args := domain.PrepPayload("alpha", epoch).Args()

	_, err := n.Launch(ctx, "weak-target.js", "gone", 1, args)
	assert.ErrorIs(t, err, domain.ErrNodeGone)

	_, err = n.Launch(ctx, "weak-target.js", "alpha", 1, args)
	assert.ErrorIs(t, err, domain.ErrNotRooted)

	require.NoError(t, n.Escalate(ctx, "alpha"))
	_, err = n.Launch(ctx, "weak-target.js", "alpha", 1, args)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = n.Launch(ctx, "weak-target.js", "home", 100, args)
	assert.ErrorIs(t, err, domain.ErrResourceExhausted)

	_, err = n.Launch(ctx, "weak-target.js", "home", 1, []string{"alpha"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = n.Launch(ctx, "unknown.js", "home", 1, args)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCopyAndLaunchRemote(t *testing.T) {
	n := newTestNetwork(t)
	ctx := context.Background()
	require.NoError(t, n.Escalate(ctx, "alpha"))

	exists, err := n.FileExists(ctx, "alpha", "grow-target.js")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, n.Copy(ctx, "grow-target.js", "home", "alpha"))
	exists, err = n.FileExists(ctx, "alpha", "grow-target.js")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = n.Launch(ctx, "grow-target.js", "alpha", 4, domain.PrepPayload("alpha", epoch).Args())
	require.NoError(t, err)

	total, used, err := n.Capacity(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 16.0, total)
	assert.InDelta(t, 7.0, used, 1e-9)
}

func TestWeakenResolves(t *testing.T) {
	n := newTestNetwork(t)
	ctx := context.Background()

	obs, err := n.Observe(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 10.0, obs.Security)
	assert.Equal(t, 4*obs.HackTime, obs.WeakenTime)

	pid, err := n.Launch(ctx, "weak-target.js", "home", 10, domain.PrepPayload("alpha", epoch).Args())
	require.NoError(t, err)

	procs, err := n.ListProcesses(ctx, "home")
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, pid, procs[0].PID)
	assert.Equal(t, "prep", procs[0].Args[4])

	n.Clock().Advance(obs.WeakenTime - time.Millisecond)
	obs2, err := n.Observe(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 10.0, obs2.Security)

	n.Clock().Advance(time.Millisecond)
	obs2, err = n.Observe(ctx, "alpha")
	require.NoError(t, err)
	assert.InDelta(t, 9.5, obs2.Security, 1e-9)

	_, used, err := n.Capacity(ctx, "home")
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestWeakenFloorsAtMinimum(t *testing.T) {
	n := newTestNetwork(t)
	ctx := context.Background()
	require.NoError(t, n.SetState("alpha", 5.5, 500000))

	_, err := n.Launch(ctx, "weak-target.js", "home", 18, domain.PrepPayload("alpha", epoch).Args())
	require.NoError(t, err)
	n.Clock().Advance(time.Hour)

	obs, err := n.Observe(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 5.0, obs.Security)
}

func TestHackAndGrowResolve(t *testing.T) {
	n := newTestNetwork(t)
	ctx := context.Background()

	before, err := n.Observe(ctx, "alpha")
	require.NoError(t, err)

	_, err = n.Launch(ctx, "hack-target.js", "home", 5, domain.PrepPayload("alpha", epoch).Args())
	require.NoError(t, err)
	n.Clock().Advance(before.HackTime)

	after, err := n.Observe(ctx, "alpha")
	require.NoError(t, err)
	assert.Less(t, after.Value, before.Value)
	assert.InDelta(t, before.Security+5*0.002, after.Security, 1e-9)
	assert.InDelta(t, before.Value-after.Value, n.Stats().Extracted, 1e-6)

	_, err = n.Launch(ctx, "grow-target.js", "home", 10, domain.PrepPayload("alpha", n.Now()).Args())
	require.NoError(t, err)
	n.Clock().Advance(time.Hour)

	grown, err := n.Observe(ctx, "alpha")
	require.NoError(t, err)
	assert.Greater(t, grown.Value, after.Value)
	assert.LessOrEqual(t, grown.Value, 1e6)
}

func TestDelayedStart(t *testing.T) {
	n := newTestNetwork(t)
	ctx := context.Background()

	obs, err := n.Observe(ctx, "alpha")
	require.NoError(t, err)

	start := epoch.Add(10 * time.Second)
	payload := domain.Payload{Target: "alpha", Start: start, End: start.Add(obs.WeakenTime), Duration: obs.WeakenTime, Tag: domain.StageTag(0, 1)}
	_, err = n.Launch(ctx, "weak-target.js", "home", 1, payload.Args())
	require.NoError(t, err)

	n.Clock().Advance(obs.WeakenTime)
	procs, err := n.ListProcesses(ctx, "home")
	require.NoError(t, err)
	assert.Len(t, procs, 1)

	n.Clock().Advance(10 * time.Second)
	procs, err = n.ListProcesses(ctx, "home")
	require.NoError(t, err)
	assert.Empty(t, procs)
}

func TestHelperRunsForever(t *testing.T) {
	n := newTestNetwork(t)
	ctx := context.Background()

	_, err := n.Launch(ctx, "host-manager.js", "home", 1, nil)
	require.NoError(t, err)
	n.Clock().Advance(24 * time.Hour)

	procs, err := n.ListProcesses(ctx, "home")
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "host-manager.js", procs[0].Tool)
}

func TestAcquireAndRelease(t *testing.T) {
	n := newTestNetwork(t)
	ctx := context.Background()

	require.NoError(t, n.Acquire("pserv-0", 64))
	assert.ErrorIs(t, n.Acquire("pserv-0", 64), domain.ErrAlreadyExists)

	acquired, err := n.AcquiredNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pserv-0"}, acquired)

	neighbors, err := n.Scan(ctx, "home")
	require.NoError(t, err)
	assert.Contains(t, neighbors, "pserv-0")

	require.NoError(t, n.Copy(ctx, "weak-target.js", "home", "pserv-0"))
	_, err = n.Launch(ctx, "weak-target.js", "pserv-0", 2, domain.PrepPayload("alpha", epoch).Args())
	require.NoError(t, err)

	require.NoError(t, n.Release("pserv-0"))
	assert.ErrorIs(t, n.Release("alpha"), domain.ErrInvalidArgument)

	_, _, err = n.Capacity(ctx, "pserv-0")
	assert.ErrorIs(t, err, domain.ErrNodeGone)

	acquired, err = n.AcquiredNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, acquired)
}

func TestScaledClock(t *testing.T) {
	c := NewClock(1000, epoch)
	assert.False(t, c.Now().Before(epoch))
	assert.Equal(t, time.Millisecond, c.SimToReal(time.Second))
	assert.Equal(t, 10*time.Millisecond, c.SimToReal(10*time.Second))

	c.Advance(time.Hour)
	assert.False(t, c.Now().Before(epoch.Add(time.Hour)))

	m := NewManualClock(epoch)
	assert.Equal(t, epoch, m.Now())
	assert.Equal(t, time.Second, m.SimToReal(time.Second))
}
