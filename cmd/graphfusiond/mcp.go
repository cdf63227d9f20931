package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/config"
	"github.com/fyrsmithlabs/graphfusion/internal/mcp"
)

const mcpScope = "github.com/fyrsmithlabs/graphfusion/internal/mcp"

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the memory tools over MCP on stdio",
	Long: `Serve memory_store, memory_recommend, memory_link, memory_feedback and
memory_forget to an MCP client over stdin/stdout. Logs go to stderr.

Snapshots work as in serve, so memories survive between sessions when
snapshot.enabled is set.

Examples:
  graphfusiond mcp --config ~/.config/graphfusion/config.yaml`,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// stdout carries the protocol.
	rt, err := newRuntime(ctx, cfg, "stderr")
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	zl := rt.logger.Underlying().Named("mcp")
	srv, err := mcp.NewServer(&mcp.Config{
		Name:              cfg.MCP.ServerName,
		Version:           version,
		DefaultTopK:       cfg.MCP.DefaultTopK,
		DefaultGraphDepth: cfg.MCP.DefaultGraphDepth,
		DefaultMagnitude:  cfg.MCP.DefaultMagnitude,
		Logger:            zl,
		Metrics:           mcp.NewMetrics(rt.tel.Meter(mcpScope), zl),
	}, rt.coord)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	saverDone := make(chan struct{})
	go func() {
		defer close(saverDone)
		rt.runSaver(runCtx, cfg.Server.ShutdownTimeout.Duration())
	}()

	err = srv.Run(runCtx)
	cancel()
	<-saverDone
	if err != nil {
		zl.Error("mcp server stopped", zap.Error(err))
	}
	return err
}
