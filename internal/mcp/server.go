package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/coordinator"
	"github.com/fyrsmithlabs/graphfusion/internal/feedback"
	"github.com/fyrsmithlabs/graphfusion/internal/graph"
	"github.com/fyrsmithlabs/graphfusion/internal/memory"
	"github.com/fyrsmithlabs/graphfusion/internal/recommend"
)

// Service is the coordinator surface the tools use.
// *coordinator.Coordinator implements it.
type Service interface {
	Store(ctx context.Context, req coordinator.StoreRequest) (memory.Record, error)
	Get(id string) (memory.Record, error)
	Delete(ctx context.Context, id string) error
	Link(ctx context.Context, source, target string, confidence float64, linkType string) (graph.Edge, error)
	Query(ctx context.Context, req recommend.Request) ([]coordinator.Result, error)
	Feedback(ctx context.Context, ev feedback.Event) (feedback.Outcome, error)
}

// Server is an MCP server over the memory coordinator.
type Server struct {
	mcp     *mcp.Server
	svc     Service
	config  *Config
	metrics *Metrics
	logger  *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "graphfusion").
	Name string

	// Version is the server version (default: "dev").
	Version string

	// DefaultTopK applies when memory_recommend omits top_k.
	DefaultTopK int

	// DefaultGraphDepth applies when memory_recommend omits graph_depth.
	DefaultGraphDepth int

	// DefaultMagnitude applies when memory_feedback omits magnitude.
	DefaultMagnitude float64

	// Logger for structured logging.
	Logger *zap.Logger

	// Metrics records tool invocations. Nil uses the global meter.
	Metrics *Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:              "graphfusion",
		Version:           "dev",
		DefaultTopK:       5,
		DefaultGraphDepth: 2,
		DefaultMagnitude:  0.2,
		Logger:            zap.NewNop(),
	}
}

// NewServer creates an MCP server and registers the memory tools.
func NewServer(cfg *Config, svc Service) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if svc == nil {
		return nil, fmt.Errorf("memory service is required")
	}
	defaults := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = defaults.DefaultTopK
	}
	if cfg.DefaultMagnitude <= 0 {
		cfg.DefaultMagnitude = defaults.DefaultMagnitude
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil, cfg.Logger)
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:     mcpServer,
		svc:     svc,
		config:  cfg,
		metrics: metrics,
		logger:  cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves one session on transport and returns immediately.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}
