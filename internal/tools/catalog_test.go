package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limiquantix/batchd/internal/domain"
)

type staticCosts map[string]float64

func (s staticCosts) ToolCost(ctx context.Context, name string) (float64, error) {
	cost, ok := s[name]
	if !ok {
		return 0, errors.New("no such script")
	}
	return cost, nil
}

func TestBuild(t *testing.T) {
	costs := staticCosts{
		HackToolName:      1.7,
		GrowToolName:      1.75,
		WeakenToolName:    1.75,
		"host-manager.js": 5.6,
	}

	c, err := Build(context.Background(), costs, []string{"host-manager.js"})
	require.NoError(t, err)

	weaken, ok := c.Get(domain.ToolKindWeaken)
	require.True(t, ok)
	assert.True(t, weaken.Spreadable)
	assert.Equal(t, 1.75, weaken.Cost)

	hack := c.MustGet(domain.ToolKindHack)
	assert.False(t, hack.Spreadable)

	helpers := c.Helpers()
	require.Len(t, helpers, 1)
	assert.Equal(t, domain.ToolKindHelper, helpers[0].Kind)

	_, ok = c.ByName("host-manager.js")
	assert.True(t, ok)
}

func TestBuild_MissingTool(t *testing.T) {
	_, err := Build(context.Background(), staticCosts{HackToolName: 1}, nil)
	assert.Error(t, err)
}

func TestBatchCost(t *testing.T) {
	c := New(
		domain.Tool{Name: HackToolName, Kind: domain.ToolKindHack, Cost: 2},
		domain.Tool{Name: GrowToolName, Kind: domain.ToolKindGrow, Cost: 3},
		domain.Tool{Name: WeakenToolName, Kind: domain.ToolKindWeaken, Cost: 4, Spreadable: true},
	)
	assert.Equal(t, 2.0*10+3.0*5+4.0*2, c.BatchCost(10, 5, 2))
}

func TestMaxThreads(t *testing.T) {
	nodes := []*domain.ComputeNode{
		{NodeInfo: domain.NodeInfo{ID: "a"}, TotalCapacity: 64, UsedCapacity: 0, Rooted: true},
		{NodeInfo: domain.NodeInfo{ID: "b"}, TotalCapacity: 32, UsedCapacity: 8, Rooted: true},
		{NodeInfo: domain.NodeInfo{ID: "c"}, TotalCapacity: 512, Rooted: false},
	}

	spread := domain.Tool{Cost: 8, Spreadable: true}
	atomic := domain.Tool{Cost: 8}

	assert.Equal(t, 8+3, MaxThreads(spread, nodes))
	assert.Equal(t, 8, MaxThreads(atomic, nodes))
}
