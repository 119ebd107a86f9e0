package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/batchd/internal/config"
	"github.com/limiquantix/batchd/internal/domain"
)

func TestRootCommand_Version(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), version)
}

func TestRootCommand_Flags(t *testing.T) {
	cmd := newRootCommand()
	assert.NotNil(t, cmd.Flags().Lookup("config"))
	assert.NotNil(t, cmd.Flags().Lookup("extract-only"))
}

func TestNewSimulation_Default(t *testing.T) {
	net, err := newSimulation(config.EnvironmentConfig{Backend: config.BackendSim}, zap.NewNop())
	require.NoError(t, err)
	assert.NotEmpty(t, net.LocalNode())

	_, err = newSimulation(config.EnvironmentConfig{TopologyFile: "does-not-exist.yaml"}, zap.NewNop())
	assert.Error(t, err)
}

func TestReportMirror_IgnoresOtherEvents(t *testing.T) {
	m := &reportMirror{logger: zap.NewNop()}
	assert.NoError(t, m.Publish(context.Background(), &domain.Event{Type: domain.EventTickCompleted}))
	assert.NoError(t, m.Publish(context.Background(), &domain.Event{Type: domain.EventBatchScheduled}))
}

func TestSetupLogger(t *testing.T) {
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "console"})
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger = setupLogger(config.LoggingConfig{Level: "bogus"})
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}
