// Package main is the entry point for batchd, the batch targeting scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/limiquantix/batchd/internal/config"
	"github.com/limiquantix/batchd/internal/domain"
	"github.com/limiquantix/batchd/internal/environment/sim"
	"github.com/limiquantix/batchd/internal/inventory"
	"github.com/limiquantix/batchd/internal/model"
	"github.com/limiquantix/batchd/internal/repository/etcd"
	"github.com/limiquantix/batchd/internal/repository/memory"
	"github.com/limiquantix/batchd/internal/repository/redis"
	"github.com/limiquantix/batchd/internal/scheduler"
	"github.com/limiquantix/batchd/internal/server"
	"github.com/limiquantix/batchd/internal/tools"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath  string
		extractOnly bool
	)

	cmd := &cobra.Command{
		Use:           "batchd",
		Short:         "Schedule timed extraction batches across a pool of compute nodes",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, "Failed to load config:", err)
				return err
			}
			if cmd.Flags().Changed("extract-only") {
				cfg.Scheduler.ExtractOnly = extractOnly
			}

			logger := setupLogger(cfg.Logging)
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, logger); err != nil {
				logger.Error("batchd stopped with error", zap.Error(err))
				return err
			}
			logger.Info("Goodbye!")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.Flags().BoolVar(&extractOnly, "extract-only", false, "Schedule single-stage extraction batches and skip preparation")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting batchd",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("backend", cfg.Environment.Backend),
		zap.Bool("extract_only", cfg.Scheduler.ExtractOnly),
	)

	net, err := newSimulation(cfg.Environment, logger)
	if err != nil {
		return err
	}

	inv := inventory.New(memory.NewNodeRepository(), net, logger)
	if _, err := inv.Discover(ctx); err != nil {
		return fmt.Errorf("failed to discover nodes: %w", err)
	}

	catalog, err := tools.Build(ctx, net, cfg.Scheduler.Helpers)
	if err != nil {
		return err
	}

	mults, err := net.Multipliers(ctx)
	if err != nil {
		return fmt.Errorf("failed to read multipliers: %w", err)
	}

	hub := server.NewEventHub(0, logger)
	sinks := scheduler.MultiSink{hub}
	opts := []server.ServerOption{server.WithVersion(version)}

	var mirror *reportMirror
	if cfg.Redis.Enabled {
		pub, err := redis.NewPublisher(cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer pub.Close()

		mirror = &reportMirror{publisher: pub, logger: logger}
		sinks = append(sinks, pub, mirror)
		opts = append(opts, server.WithComponent("redis", pub))
	}

	var leader scheduler.LeaderChecker
	if cfg.Etcd.Enabled {
		client, err := etcd.NewClient(cfg.Etcd, logger)
		if err != nil {
			return err
		}
		defer client.Close()

		candidate := candidateID()
		l := client.CampaignForLeader(ctx, candidate, func(isLeader bool) {
			if isLeader {
				logger.Info("This instance is now the leader", zap.String("candidate", candidate))
			} else {
				logger.Warn("This instance is now a follower", zap.String("candidate", candidate))
			}
		})
		defer func() {
			resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.Resign(resignCtx); err != nil {
				logger.Warn("Failed to resign leadership", zap.Error(err))
			}
		}()

		leader = l
		opts = append(opts, server.WithComponent("etcd", client), server.WithLeader(l), server.WithLeaderLookup(client))
	}

	engine := scheduler.NewEngine(cfg.Scheduler, net, inv, catalog, model.New(mults), sinks, leader, logger)
	if mirror != nil {
		mirror.engine = engine
	}

	srv := server.New(cfg, engine, hub, logger, opts...)
	health := server.NewHealthServer(cfg.Server.GRPCAddress(), engine, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		engine.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return health.Run(gctx, cfg.Scheduler.TickInterval)
	})

	err = g.Wait()

	stats := net.Stats()
	logger.Info("Simulation summary",
		zap.Int("launched", stats.Launched),
		zap.Int("completed", stats.Completed),
		zap.Float64("extracted", stats.Extracted),
	)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newSimulation(cfg config.EnvironmentConfig, logger *zap.Logger) (*sim.Network, error) {
	var (
		topo *sim.Topology
		err  error
	)
	if cfg.TopologyFile != "" {
		topo, err = sim.LoadTopology(cfg.TopologyFile)
	} else {
		topo, err = sim.DefaultTopology()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load topology: %w", err)
	}

	scale := cfg.ClockScale
	if scale <= 0 {
		scale = 1
	}
	return sim.New(topo, sim.NewClock(scale, time.Now()), logger), nil
}

func candidateID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "batchd"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// reportMirror stores the engine's latest report in Redis after every tick.
type reportMirror struct {
	publisher *redis.Publisher
	engine    *scheduler.Engine
	logger    *zap.Logger
}

func (m *reportMirror) Publish(ctx context.Context, event *domain.Event) error {
	if event.Type != domain.EventTickCompleted || m.engine == nil {
		return nil
	}
	report := m.engine.LastReport()
	if report == nil {
		return nil
	}
	return m.publisher.StoreReport(ctx, report)
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)
	if cfg.Output != "" {
		zapConfig.OutputPaths = []string{cfg.Output}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}

	return logger
}
