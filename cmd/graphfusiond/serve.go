package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/graphfusion/internal/config"
	"github.com/fyrsmithlabs/graphfusion/internal/feedbackbus"
	apihttp "github.com/fyrsmithlabs/graphfusion/internal/http"
	"github.com/fyrsmithlabs/graphfusion/internal/logging"
)

const httpScope = "github.com/fyrsmithlabs/graphfusion/internal/http"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, NATS feedback bridge and snapshot saver",
	Long: `Run graphfusiond as a daemon.

The HTTP API listens on server.host:server.port. When nats.enabled is set,
feedback events published to <nats.prefix>.feedback are applied as they
arrive. When snapshot.enabled is set, state is restored from the SQLite
snapshot on start and saved periodically and on shutdown.

Changes to recommend.similarity_weight, recommend.path_weight and
logging.level in the config file apply without a restart.

Examples:
  # Run with the default config file
  graphfusiond serve

  # Override the port through the environment
  GRAPHFUSION_SERVER_PORT=9000 graphfusiond serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	rt, err := newRuntime(ctx, cfg, "")
	if err != nil {
		return err
	}
	shutdownTimeout := cfg.Server.ShutdownTimeout.Duration()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt.Close(closeCtx)
	}()

	logger := rt.logger
	zl := logger.Underlying()
	logger.Info(ctx, "starting graphfusiond",
		zap.String("version", version),
		zap.String("config", cfg.Path()),
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("nats", cfg.NATS.Enabled),
		zap.Bool("snapshots", cfg.Snapshot.Enabled),
	)

	var bridge *feedbackbus.Bridge
	if cfg.NATS.Enabled {
		nc, err := connectNATS(cfg.NATS, zl)
		if err != nil {
			return err
		}
		defer nc.Close()

		bridge, err = feedbackbus.NewBridge(nc, rt.coord, feedbackbus.Config{
			Prefix:    cfg.NATS.Prefix,
			Queue:     cfg.NATS.Queue,
			RateLimit: cfg.NATS.RateLimit,
			Burst:     cfg.NATS.Burst,
			Buffer:    cfg.NATS.Buffer,
		}, zl.Named("feedbackbus"))
		if err != nil {
			return fmt.Errorf("failed to create feedback bridge: %w", err)
		}
	}

	srv, err := apihttp.NewServer(rt.coord, logger, &apihttp.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		BodyLimit:      cfg.Server.BodyLimit,
		RequestTimeout: cfg.Server.RequestTimeout.Duration(),
	}, apihttp.WithMetrics(apihttp.NewHTTPMetrics(rt.tel.Meter(httpScope), zl)))
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if bridge != nil {
		if err := bridge.Start(gctx); err != nil {
			return fmt.Errorf("failed to start feedback bridge: %w", err)
		}
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if bridge != nil {
			bridge.Stop()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		rt.runSaver(gctx, shutdownTimeout)
		return nil
	})
	if path := cfg.Path(); path != "" {
		g.Go(func() error {
			rt.watchConfig(gctx, path)
			return nil
		})
	}

	err = g.Wait()
	logger.Info(context.Background(), "graphfusiond stopped")
	return err
}

// connectNATS dials the configured server, retrying in the background when
// it is not up yet.
func connectNATS(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("graphfusiond"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrlRedacted()))
		}),
	}
	fields := []zap.Field{zap.String("prefix", cfg.Prefix)}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
		fields = append(fields, logging.Secret("token", cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("nats connection configured", fields...)
	return nc, nil
}
