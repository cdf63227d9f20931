// Package coordinator is the facade that owns memory records and keeps the
// vector index, knowledge graph, feedback policy and recommendation engine
// consistent with each other.
//
// Deleting a record cascades to its index entry and graph node. Export and
// import move the whole state, with insertion order preserved so similarity
// ties break the same way after a round trip.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/feedback"
	"github.com/fyrsmithlabs/graphfusion/internal/graph"
	"github.com/fyrsmithlabs/graphfusion/internal/logging"
	"github.com/fyrsmithlabs/graphfusion/internal/memory"
	"github.com/fyrsmithlabs/graphfusion/internal/recommend"
	"github.com/fyrsmithlabs/graphfusion/internal/vectorindex"
)

// Coordinator wires the memory components together.
type Coordinator struct {
	index  vectorindex.Index
	graph  *graph.Graph
	policy feedback.Policy
	engine *recommend.Engine

	// lifecycle serializes Store, Delete, Import and Export so cascades are
	// never observed half done by one another.
	lifecycle sync.Mutex

	mu      sync.RWMutex
	records map[string]*memory.Record

	now     func() time.Time
	newID   func() string
	metrics *Metrics
	tracer  trace.Tracer
	logger  *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator replaces the uuid v4 id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithMetrics sets the metrics sink. Without it operations are not metered.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTracer sets the tracer for operation spans. The default comes from the
// global tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// New creates a coordinator over the given components.
func New(index vectorindex.Index, g *graph.Graph, policy feedback.Policy, engine *recommend.Engine, opts ...Option) (*Coordinator, error) {
	if index == nil || g == nil || policy == nil || engine == nil {
		return nil, fmt.Errorf("%w: index, graph, policy and engine are required", memory.ErrInvalidArgument)
	}
	c := &Coordinator{
		index:   index,
		graph:   g,
		policy:  policy,
		engine:  engine,
		records: make(map[string]*memory.Record),
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
		tracer:  otel.Tracer(instrumentationName),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Graph returns the underlying knowledge graph.
func (c *Coordinator) Graph() *graph.Graph {
	return c.graph
}

// Stats summarizes the coordinator state.
type Stats struct {
	Records      int    `json:"records"`
	IndexEntries int    `json:"index_entries"`
	Dimension    int    `json:"dimension"`
	Nodes        int    `json:"nodes"`
	Edges        int    `json:"edges"`
	GraphVersion uint64 `json:"graph_version"`
	CacheHits    uint64 `json:"cache_hits"`
	CacheMisses  uint64 `json:"cache_misses"`
}

// Stats returns current counts.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	records := len(c.records)
	c.mu.RUnlock()

	hits, misses := c.engine.CacheStats()
	return Stats{
		Records:      records,
		IndexEntries: c.index.Len(),
		Dimension:    c.index.Dimension(),
		Nodes:        c.graph.NodeCount(),
		Edges:        c.graph.EdgeCount(),
		GraphVersion: c.graph.Version(),
		CacheHits:    hits,
		CacheMisses:  misses,
	}
}

// SetFusionWeights replaces the similarity and path weights used by Query.
func (c *Coordinator) SetFusionWeights(similarity, path float64) error {
	return c.engine.SetWeights(similarity, path)
}

// FusionWeights returns the current fusion weights.
func (c *Coordinator) FusionWeights() (similarity, path float64) {
	return c.engine.Weights()
}

// begin starts a span, names op in the logging context and returns a
// function that ends the span and records metrics for the outcome.
func (c *Coordinator) begin(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, span := c.tracer.Start(logging.WithOperation(ctx, op), "Coordinator."+op)
	start := time.Now()
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Debug("operation failed", append(logging.ContextFields(ctx), zap.Error(err))...)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		c.metrics.record(ctx, op, start, err)
	}
}
