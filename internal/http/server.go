// Package http provides the REST API for graphfusiond.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/coordinator"
	"github.com/fyrsmithlabs/graphfusion/internal/feedback"
	"github.com/fyrsmithlabs/graphfusion/internal/graph"
	"github.com/fyrsmithlabs/graphfusion/internal/logging"
	"github.com/fyrsmithlabs/graphfusion/internal/memory"
	"github.com/fyrsmithlabs/graphfusion/internal/recommend"
)

// Service is the coordinator surface the API exposes.
// *coordinator.Coordinator implements it.
type Service interface {
	Store(ctx context.Context, req coordinator.StoreRequest) (memory.Record, error)
	Get(id string) (memory.Record, error)
	PatchAttributes(ctx context.Context, id string, set map[string]any, remove []string) (memory.Record, error)
	Delete(ctx context.Context, id string) error

	AddNode(ctx context.Context, id string, metadata map[string]any) error
	Link(ctx context.Context, source, target string, confidence float64, linkType string) (graph.Edge, error)
	Unlink(ctx context.Context, key graph.EdgeKey)
	Neighbors(id string, dir graph.Direction, minConfidence float64) ([]graph.Neighbor, error)
	Traverse(start string, maxDepth int, minConfidence float64) ([]graph.Reached, error)

	Search(ctx context.Context, embedding []float32, topK int) ([]coordinator.SearchHit, error)
	Query(ctx context.Context, req recommend.Request) ([]coordinator.Result, error)
	Feedback(ctx context.Context, ev feedback.Event) (feedback.Outcome, error)

	ExportState(ctx context.Context) coordinator.State
	ImportState(ctx context.Context, st coordinator.State) error
	Stats() coordinator.Stats
	FusionWeights() (similarity, path float64)
	SetFusionWeights(similarity, path float64) error
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// BodyLimit uses echo's size syntax ("4M"). Empty disables the limit.
	BodyLimit string
	// RequestTimeout bounds each handler's context. Zero disables it.
	RequestTimeout time.Duration
}

// DefaultConfig returns the default listen address and limits.
func DefaultConfig() *Config {
	return &Config{
		Host:           "127.0.0.1",
		Port:           8089,
		BodyLimit:      "4M",
		RequestTimeout: 30 * time.Second,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records request metrics with m.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithGatherer serves /metrics from g instead of the default Prometheus
// registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// Server provides HTTP endpoints for graphfusiond.
type Server struct {
	echo     *echo.Echo
	svc      Service
	logger   *logging.Logger
	config   *Config
	metrics  *HTTPMetrics
	gatherer prometheus.Gatherer
}

// NewServer creates a new HTTP server.
func NewServer(svc Service, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()
	e.Server.ReadHeaderTimeout = 10 * time.Second

	s := &Server{
		echo:     e,
		svc:      svc,
		logger:   logger.Named("http"),
		config:   cfg,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(s.requestLogger())
	if s.metrics != nil {
		e.Use(s.metrics.MetricsMiddleware())
	}
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeoutWithConfig(middleware.ContextTimeoutConfig{
			Timeout: cfg.RequestTimeout,
		}))
	}

	s.registerRoutes()
	return s, nil
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("route", routeLabel(c.Path())),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			}
			if c.Response().Status >= http.StatusInternalServerError {
				var he *echo.HTTPError
				if errors.As(err, &he) && he.Internal != nil {
					fields = append(fields, zap.Error(he.Internal))
				}
				s.logger.Error(req.Context(), "http request failed", fields...)
				return nil
			}
			s.logger.Info(req.Context(), "http request", fields...)
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")

	v1.POST("/records", s.handleStore)
	v1.GET("/records/:id", s.handleGetRecord)
	v1.DELETE("/records/:id", s.handleDeleteRecord)
	v1.PATCH("/records/:id/attributes", s.handlePatchAttributes)

	v1.POST("/nodes", s.handleAddNode)
	v1.GET("/nodes/:id/neighbors", s.handleNeighbors)
	v1.GET("/nodes/:id/traverse", s.handleTraverse)
	v1.POST("/edges", s.handleLink)
	v1.DELETE("/edges", s.handleUnlink)

	v1.POST("/search", s.handleSearch)
	v1.POST("/recommendations", s.handleRecommend)
	v1.POST("/feedback", s.handleFeedback)

	v1.GET("/state", s.handleExport)
	v1.PUT("/state", s.handleImport)
	v1.GET("/stats", s.handleStats)
	v1.GET("/weights", s.handleGetWeights)
	v1.PUT("/weights", s.handleSetWeights)
}

// ServeHTTP lets the server be mounted or driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	addr := s.Addr()
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
