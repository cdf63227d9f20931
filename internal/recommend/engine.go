// Package recommend fuses vector similarity with knowledge-graph structure
// into ranked recommendations.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/graph"
	"github.com/fyrsmithlabs/graphfusion/internal/memory"
	"github.com/fyrsmithlabs/graphfusion/internal/vectorindex"
)

var tracer = otel.Tracer("graphfusion.recommend")

// Request describes one recommendation query.
type Request struct {
	Embedding     []float32 `json:"embedding"`
	TopK          int       `json:"top_k"`
	GraphDepth    int       `json:"graph_depth"`
	MinConfidence float64   `json:"min_confidence"`
}

// Recommendation is one ranked result.
type Recommendation struct {
	ID string `json:"id"`
	// Score is SimilarityWeight*Similarity + PathWeight*PathConfidence.
	Score float64 `json:"score"`
	// Similarity is the contributing similarity: the node's own when it was
	// in the candidate pool, otherwise that of the candidate it was reached
	// from.
	Similarity float64 `json:"similarity"`
	// PathConfidence is the contributing path confidence product.
	PathConfidence float64 `json:"path_confidence"`
	// Via is the candidate the contributing path started from. Empty when
	// the node scored on its own similarity and outgoing paths.
	Via string `json:"via,omitempty"`
	// Hops is the length of the contributing path.
	Hops int `json:"hops"`
	// Candidate reports whether the node was in the similarity pool.
	Candidate bool `json:"candidate"`
}

type weights struct {
	similarity float64
	path       float64
}

// Engine generates recommendations. It only reads the index and graph.
type Engine struct {
	index      vectorindex.Index
	graph      *graph.Graph
	multiplier int
	weights    atomic.Pointer[weights]
	cache      *traversalCache
	logger     *zap.Logger
}

// NewEngine creates an engine over index and g.
func NewEngine(index vectorindex.Index, g *graph.Graph, cfg Config, logger *zap.Logger) (*Engine, error) {
	if index == nil {
		return nil, fmt.Errorf("%w: index is required", memory.ErrInvalidArgument)
	}
	if g == nil {
		return nil, fmt.Errorf("%w: graph is required", memory.ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		index:      index,
		graph:      g,
		multiplier: cfg.PoolMultiplier,
		logger:     logger,
	}
	e.weights.Store(&weights{similarity: cfg.SimilarityWeight, path: cfg.PathWeight})

	if cfg.Cache.Enabled {
		c, err := newTraversalCache(cfg.Cache)
		if err != nil {
			return nil, err
		}
		e.cache = c
	}
	return e, nil
}

// SetWeights atomically replaces the fusion weights.
func (e *Engine) SetWeights(similarity, path float64) error {
	if err := ValidateWeights(similarity, path); err != nil {
		return err
	}
	e.weights.Store(&weights{similarity: similarity, path: path})
	e.logger.Info("fusion weights updated",
		zap.Float64("similarity_weight", similarity),
		zap.Float64("path_weight", path),
	)
	return nil
}

// Weights returns the current fusion weights.
func (e *Engine) Weights() (similarity, path float64) {
	w := e.weights.Load()
	return w.similarity, w.path
}

// Close releases the traversal cache.
func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.close()
	}
}

// scoredPair is one way a node can be scored.
type scoredPair struct {
	score      float64
	similarity float64
	path       float64
	via        string
	hops       int
}

// better orders pairs by score, similarity, hops, then via.
func (p scoredPair) better(q scoredPair) bool {
	if p.score != q.score {
		return p.score > q.score
	}
	if p.similarity != q.similarity {
		return p.similarity > q.similarity
	}
	if p.hops != q.hops {
		return p.hops < q.hops
	}
	return p.via < q.via
}

// Generate returns up to req.TopK recommendations.
//
// The candidate pool is the TopK*PoolMultiplier nearest entries. Each
// candidate is traversed to req.GraphDepth. A candidate scores with its own
// similarity and its best outgoing path confidence (0 if it has none). A
// node reached from candidate c scores with its own similarity if it is a
// candidate, otherwise c's, and the confidence of the path from c. Each
// node keeps its best score. Results are ordered by score, similarity, id.
func (e *Engine) Generate(ctx context.Context, req Request) ([]Recommendation, error) {
	ctx, span := tracer.Start(ctx, "Engine.Generate", trace.WithAttributes(
		attribute.Int("top_k", req.TopK),
		attribute.Int("graph_depth", req.GraphDepth),
	))
	defer span.End()

	recs, err := e.generate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("results_count", len(recs)))
	span.SetStatus(codes.Ok, "success")
	return recs, nil
}

func (e *Engine) generate(_ context.Context, req Request) ([]Recommendation, error) {
	if req.TopK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive, got %d", memory.ErrInvalidArgument, req.TopK)
	}
	if req.GraphDepth < 0 {
		return nil, fmt.Errorf("%w: graph_depth must be >= 0, got %d", memory.ErrInvalidArgument, req.GraphDepth)
	}
	if math.IsNaN(req.MinConfidence) || req.MinConfidence < 0 || req.MinConfidence > 1 {
		return nil, fmt.Errorf("%w: min_confidence must be in [0, 1], got %v", memory.ErrInvalidArgument, req.MinConfidence)
	}
	size := e.index.Len()
	if size == 0 {
		return nil, memory.ErrEmptyIndex
	}

	w := e.weights.Load()

	// Clamp before multiplying so a huge TopK cannot overflow the pool size.
	// The index read lock is released before any graph lock is taken.
	poolSize := min(req.TopK, size) * e.multiplier
	pool, err := e.index.Search(req.Embedding, poolSize)
	if err != nil {
		return nil, err
	}

	similarity := make(map[string]float64, len(pool))
	for _, m := range pool {
		similarity[m.ID] = m.Score
	}

	best := make(map[string]scoredPair)
	consider := func(id string, p scoredPair) {
		p.score = w.similarity*p.similarity + w.path*p.path
		if cur, ok := best[id]; !ok || p.better(cur) {
			best[id] = p
		}
	}

	for _, cand := range pool {
		reached, err := e.traverse(cand.ID, req.GraphDepth, req.MinConfidence)
		if err != nil {
			return nil, err
		}

		var bestOut float64
		for _, r := range reached {
			if r.Hops == 0 {
				continue
			}
			if r.Confidence > bestOut {
				bestOut = r.Confidence
			}
			sim, isCandidate := similarity[r.ID]
			if !isCandidate {
				sim = cand.Score
			}
			consider(r.ID, scoredPair{similarity: sim, path: r.Confidence, via: cand.ID, hops: r.Hops})
		}
		consider(cand.ID, scoredPair{similarity: cand.Score, path: bestOut})
	}

	recs := make([]Recommendation, 0, len(best))
	for id, p := range best {
		_, isCandidate := similarity[id]
		recs = append(recs, Recommendation{
			ID:             id,
			Score:          p.score,
			Similarity:     p.similarity,
			PathConfidence: p.path,
			Via:            p.via,
			Hops:           p.hops,
			Candidate:      isCandidate,
		})
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		if recs[i].Similarity != recs[j].Similarity {
			return recs[i].Similarity > recs[j].Similarity
		}
		return recs[i].ID < recs[j].ID
	})
	if len(recs) > req.TopK {
		recs = recs[:req.TopK]
	}

	e.logger.Debug("recommendations generated",
		zap.Int("top_k", req.TopK),
		zap.Int("pool", len(pool)),
		zap.Int("scored", len(best)),
		zap.Int("returned", len(recs)),
	)
	return recs, nil
}

// traverse walks from start, using the cache when enabled. Candidates that
// have no graph node simply have no paths.
func (e *Engine) traverse(start string, depth int, minConfidence float64) ([]graph.Reached, error) {
	if depth == 0 {
		return nil, nil
	}
	if e.cache != nil {
		if reached, ok := e.cache.get(e.graph.Version(), start, depth, minConfidence); ok {
			return reached, nil
		}
	}

	reached, version, err := e.graph.TraverseVersioned(start, depth, minConfidence)
	if errors.Is(err, memory.ErrUnknownNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.set(version, start, depth, minConfidence, reached)
	}
	return reached, nil
}

// CacheStats reports traversal cache hits and misses.
func (e *Engine) CacheStats() (hits, misses uint64) {
	if e.cache == nil {
		return 0, 0
	}
	return e.cache.hits.Load(), e.cache.misses.Load()
}
