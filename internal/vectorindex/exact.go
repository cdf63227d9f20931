package vectorindex

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/memory"
)

type exactEntry struct {
	embedding []float32
	seq       uint64
}

// ExactIndex is a linear-scan cosine index.
//
// Search cost is O(n·d) per query. Ordering is exact and deterministic.
type ExactIndex struct {
	mu      sync.RWMutex
	dim     int
	entries map[string]*exactEntry
	nextSeq uint64
	logger  *zap.Logger
}

// NewExactIndex creates an empty index for embeddings of length dim.
func NewExactIndex(dim int, logger *zap.Logger) *ExactIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExactIndex{
		dim:     dim,
		entries: make(map[string]*exactEntry),
		logger:  logger,
	}
}

// Insert implements Index.
func (x *ExactIndex) Insert(id string, embedding []float32) error {
	if id == "" {
		indexOps.WithLabelValues(BackendExact, "insert", "error").Inc()
		return fmt.Errorf("%w: id is required", memory.ErrInvalidArgument)
	}
	if err := memory.ValidateEmbedding(embedding, x.dim); err != nil {
		indexOps.WithLabelValues(BackendExact, "insert", "error").Inc()
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if _, exists := x.entries[id]; exists {
		indexOps.WithLabelValues(BackendExact, "insert", "error").Inc()
		return fmt.Errorf("%w: %s", memory.ErrDuplicateID, id)
	}

	x.nextSeq++
	x.entries[id] = &exactEntry{
		embedding: memory.CopyEmbedding(embedding),
		seq:       x.nextSeq,
	}
	indexEntries.WithLabelValues(BackendExact).Set(float64(len(x.entries)))
	indexOps.WithLabelValues(BackendExact, "insert", "ok").Inc()
	return nil
}

// Remove implements Index.
func (x *ExactIndex) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.entries[id]; !ok {
		return
	}
	delete(x.entries, id)
	indexEntries.WithLabelValues(BackendExact).Set(float64(len(x.entries)))
	indexOps.WithLabelValues(BackendExact, "remove", "ok").Inc()
}

// Search implements Index.
func (x *ExactIndex) Search(query []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive, got %d", memory.ErrInvalidArgument, topK)
	}
	if err := memory.ValidateEmbedding(query, x.dim); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		searchDuration.WithLabelValues(BackendExact).Observe(time.Since(start).Seconds())
	}()

	x.mu.RLock()
	hits := make([]scored, 0, len(x.entries))
	for id, e := range x.entries {
		hits = append(hits, scored{id: id, score: CosineSimilarity(query, e.embedding), seq: e.seq})
	}
	x.mu.RUnlock()

	matches := rank(hits, topK)
	indexOps.WithLabelValues(BackendExact, "search", "ok").Inc()
	x.logger.Debug("exact search",
		zap.Int("top_k", topK),
		zap.Int("results", len(matches)),
	)
	return matches, nil
}

// Contains implements Index.
func (x *ExactIndex) Contains(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.entries[id]
	return ok
}

// Len implements Index.
func (x *ExactIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Dimension implements Index.
func (x *ExactIndex) Dimension() int {
	return x.dim
}

// Entries implements Index.
func (x *ExactIndex) Entries() []Entry {
	x.mu.RLock()
	out := make([]Entry, 0, len(x.entries))
	for id, e := range x.entries {
		out = append(out, Entry{ID: id, Embedding: memory.CopyEmbedding(e.embedding), Seq: e.seq})
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Reset implements Index.
func (x *ExactIndex) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries = make(map[string]*exactEntry)
	indexEntries.WithLabelValues(BackendExact).Set(0)
}
