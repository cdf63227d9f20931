package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/config"
	"github.com/fyrsmithlabs/graphfusion/internal/coordinator"
	"github.com/fyrsmithlabs/graphfusion/internal/feedback"
	"github.com/fyrsmithlabs/graphfusion/internal/graph"
	"github.com/fyrsmithlabs/graphfusion/internal/logging"
	"github.com/fyrsmithlabs/graphfusion/internal/recommend"
	"github.com/fyrsmithlabs/graphfusion/internal/snapshot"
	"github.com/fyrsmithlabs/graphfusion/internal/telemetry"
	"github.com/fyrsmithlabs/graphfusion/internal/vectorindex"
)

const coordinatorScope = "github.com/fyrsmithlabs/graphfusion/internal/coordinator"

// runtime holds the components shared by serve and mcp.
type runtime struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
	index  vectorindex.Index
	engine *recommend.Engine
	coord  *coordinator.Coordinator

	// store and saver are nil when snapshots are disabled.
	store *snapshot.SQLiteStore
	saver *snapshot.Saver
}

// newRuntime builds logging, telemetry and the memory core from cfg.
// stream overrides the logging output stream when non-empty.
func newRuntime(ctx context.Context, cfg *config.Config, stream string) (*runtime, error) {
	logCfg := logging.NewDefaultConfig()
	if err := cfg.Section("logging", logCfg); err != nil {
		return nil, err
	}
	if stream != "" {
		logCfg.Output.Stream = stream
	}

	telCfg := telemetry.NewDefaultConfig()
	if err := cfg.Section("telemetry", telCfg); err != nil {
		return nil, err
	}
	if telCfg.ServiceVersion == "dev" {
		telCfg.ServiceVersion = version
	}
	tel, err := telemetry.New(ctx, telCfg, nil)
	if err != nil {
		return nil, err
	}

	var provider log.LoggerProvider
	if logCfg.Output.OTEL {
		provider = tel.LoggerProvider()
	}
	logger, err := logging.NewLogger(logCfg, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: logger, tel: tel}
	if err := rt.buildCore(); err != nil {
		rt.Close(context.Background())
		return nil, err
	}
	if cfg.Snapshot.Enabled {
		if err := rt.openSnapshots(ctx); err != nil {
			rt.Close(context.Background())
			return nil, err
		}
	}
	return rt, nil
}

func (rt *runtime) buildCore() error {
	cfg := rt.cfg
	zl := rt.logger.Underlying()

	idx, err := vectorindex.New(cfg.Index, zl.Named("vectorindex"))
	if err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}
	rt.index = idx
	g := graph.New(
		graph.WithStrictMode(cfg.Graph.StrictMode),
		graph.WithLogger(zl.Named("graph")),
	)
	policy, err := feedback.NewAdaptivePolicy(cfg.Feedback, zl.Named("feedback"))
	if err != nil {
		return fmt.Errorf("failed to create feedback policy: %w", err)
	}
	engine, err := recommend.NewEngine(idx, g, cfg.Recommend, zl.Named("recommend"))
	if err != nil {
		return fmt.Errorf("failed to create recommendation engine: %w", err)
	}
	rt.engine = engine

	coord, err := coordinator.New(idx, g, policy, engine,
		coordinator.WithLogger(zl.Named("coordinator")),
		coordinator.WithMetrics(coordinator.NewMetrics(rt.tel.Meter(coordinatorScope), zl)),
		coordinator.WithTracer(rt.tel.Tracer(coordinatorScope)),
	)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	rt.coord = coord

	zl.Info("memory core initialized",
		zap.String("index_backend", cfg.Index.Backend),
		zap.Int("dimension", cfg.Index.Dimension),
		zap.Bool("strict_mode", cfg.Graph.StrictMode),
	)
	return nil
}

func (rt *runtime) openSnapshots(ctx context.Context) error {
	cfg := rt.cfg.Snapshot
	zl := rt.logger.Underlying().Named("snapshot")

	store, err := snapshot.OpenSQLite(cfg.Path, zl)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}
	rt.store = store

	if cfg.RestoreOnStart {
		switch err := snapshot.Restore(ctx, store, rt.coord); {
		case errors.Is(err, snapshot.ErrNoSnapshot):
			zl.Info("no snapshot to restore", zap.String("path", cfg.Path))
		case err != nil:
			return fmt.Errorf("failed to restore snapshot: %w", err)
		default:
			stats := rt.coord.Stats()
			zl.Info("snapshot restored",
				zap.Int("records", stats.Records),
				zap.Int("nodes", stats.Nodes),
				zap.Int("edges", stats.Edges),
			)
		}
	}

	saverCfg := snapshot.DefaultSaverConfig()
	saverCfg.Interval = cfg.Interval.Duration()
	if cfg.FailureThreshold > 0 {
		saverCfg.Breaker.ConsecutiveFailures = cfg.FailureThreshold
	}
	if cfg.BreakerTimeout > 0 {
		saverCfg.Breaker.Timeout = cfg.BreakerTimeout.Duration()
	}
	rt.saver = snapshot.NewSaver(store, rt.coord, saverCfg, zl)
	return nil
}

// runSaver saves periodically until ctx is done, then once more. It is a
// no-op when snapshots are disabled.
func (rt *runtime) runSaver(ctx context.Context, finalTimeout time.Duration) {
	if rt.saver == nil {
		return
	}
	rt.saver.Run(ctx, finalTimeout)
}

// watchConfig applies fusion weight and log level changes from the config
// file until ctx is done.
func (rt *runtime) watchConfig(ctx context.Context, path string) {
	zl := rt.logger.Underlying().Named("config")
	err := config.Watch(ctx, path, zl, func(next *config.Config) {
		if err := rt.coord.SetFusionWeights(next.Recommend.SimilarityWeight, next.Recommend.PathWeight); err != nil {
			zl.Warn("ignoring fusion weights from reloaded config", zap.Error(err))
		}
		logCfg := logging.NewDefaultConfig()
		if err := next.Section("logging", logCfg); err != nil {
			zl.Warn("ignoring logging section from reloaded config", zap.Error(err))
			return
		}
		if logCfg.Level != rt.logger.Level() {
			rt.logger.SetLevel(logCfg.Level)
			zl.Info("log level changed", zap.Stringer("level", logCfg.Level))
		}
	})
	if err != nil {
		zl.Warn("config hot reload disabled", zap.String("path", path), zap.Error(err))
	}
}

// Close releases everything newRuntime opened.
func (rt *runtime) Close(ctx context.Context) {
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn(ctx, "snapshot store close failed", zap.Error(err))
		}
	}
	if rt.engine != nil {
		rt.engine.Close()
	}
	if c, ok := rt.index.(io.Closer); ok {
		if err := c.Close(); err != nil {
			rt.logger.Warn(ctx, "vector index close failed", zap.Error(err))
		}
	}
	if err := rt.tel.Shutdown(ctx); err != nil {
		rt.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	_ = rt.logger.Sync()
}
