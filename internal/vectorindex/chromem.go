package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/memory"
)

var chromemTracer = otel.Tracer("graphfusion.vectorindex.chromem")

const seqMetadataKey = "seq"

// errNoEmbedder is returned if chromem ever asks us to embed text. All
// documents and queries carry caller-supplied embeddings.
var errNoEmbedder = errors.New("graphfusion does not generate embeddings")

// ChromemIndex implements Index on top of a chromem-go collection.
//
// chromem normalizes vectors and scores with float32 dot products, so scores
// match CosineSimilarity to within about 1e-6. Results are re-sorted by
// (score desc, seq asc) so ties still follow insertion order. Zero-norm
// embeddings are rejected because they cannot be normalized.
type ChromemIndex struct {
	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
	config     Config
	dim        int
	entries    map[string]Entry
	nextSeq    uint64
	logger     *zap.Logger
}

// NewChromemIndex opens (or creates) the configured chromem collection.
// When cfg.ChromemPath is set, existing documents are loaded back so their
// insertion order survives restarts.
func NewChromemIndex(cfg Config, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var db *chromem.DB
	if cfg.ChromemPath != "" {
		path, err := expandPath(cfg.ChromemPath)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embed := func(context.Context, string) ([]float32, error) { return nil, errNoEmbedder }
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	x := &ChromemIndex{
		db:         db,
		collection: collection,
		config:     cfg,
		dim:        cfg.Dimension,
		entries:    make(map[string]Entry),
		logger:     logger,
	}
	if err := x.reload(context.Background()); err != nil {
		return nil, err
	}

	logger.Info("chromem index initialized",
		zap.String("collection", cfg.Collection),
		zap.String("path", cfg.ChromemPath),
		zap.Bool("compress", cfg.Compress),
		zap.Int("dimension", cfg.Dimension),
		zap.Int("entries", len(x.entries)),
	)
	return x, nil
}

// reload rebuilds the local entry table from documents already persisted in
// the collection. A query with n = Count returns every document.
func (x *ChromemIndex) reload(ctx context.Context) error {
	count := x.collection.Count()
	if count == 0 {
		return nil
	}

	probe := make([]float32, x.dim)
	probe[0] = 1
	results, err := x.collection.QueryEmbedding(ctx, probe, count, nil, nil)
	if err != nil {
		return fmt.Errorf("loading persisted documents: %w", err)
	}
	for _, r := range results {
		if len(r.Embedding) != x.dim {
			return fmt.Errorf("%w: persisted document %s has dimension %d", memory.ErrDimensionMismatch, r.ID, len(r.Embedding))
		}
		seq, err := strconv.ParseUint(r.Metadata[seqMetadataKey], 10, 64)
		if err != nil {
			return fmt.Errorf("persisted document %s has no sequence number: %w", r.ID, err)
		}
		x.entries[r.ID] = Entry{ID: r.ID, Embedding: memory.CopyEmbedding(r.Embedding), Seq: seq}
		if seq > x.nextSeq {
			x.nextSeq = seq
		}
	}
	indexEntries.WithLabelValues(BackendChromem).Set(float64(len(x.entries)))
	return nil
}

// Insert implements Index.
func (x *ChromemIndex) Insert(id string, embedding []float32) error {
	ctx, span := chromemTracer.Start(context.Background(), "ChromemIndex.Insert")
	defer span.End()

	if id == "" {
		return x.fail(span, "insert", fmt.Errorf("%w: id is required", memory.ErrInvalidArgument))
	}
	if err := memory.ValidateEmbedding(embedding, x.dim); err != nil {
		return x.fail(span, "insert", err)
	}
	if norm(embedding) == 0 {
		return x.fail(span, "insert", fmt.Errorf("%w: zero-norm embedding", memory.ErrInvalidArgument))
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if _, exists := x.entries[id]; exists {
		return x.fail(span, "insert", fmt.Errorf("%w: %s", memory.ErrDuplicateID, id))
	}

	seq := x.nextSeq + 1
	stored := memory.CopyEmbedding(embedding)
	doc := chromem.Document{
		ID:        id,
		Content:   id,
		Embedding: memory.CopyEmbedding(embedding),
		Metadata:  map[string]string{seqMetadataKey: strconv.FormatUint(seq, 10)},
	}
	if err := x.collection.AddDocument(ctx, doc); err != nil {
		return x.fail(span, "insert", fmt.Errorf("adding document %s: %w", id, err))
	}

	x.nextSeq = seq
	x.entries[id] = Entry{ID: id, Embedding: stored, Seq: seq}
	indexEntries.WithLabelValues(BackendChromem).Set(float64(len(x.entries)))
	indexOps.WithLabelValues(BackendChromem, "insert", "ok").Inc()
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Remove implements Index.
func (x *ChromemIndex) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.entries[id]; !ok {
		return
	}
	if err := x.collection.Delete(context.Background(), nil, nil, id); err != nil {
		x.logger.Warn("chromem delete failed", zap.String("id", id), zap.Error(err))
	}
	delete(x.entries, id)
	indexEntries.WithLabelValues(BackendChromem).Set(float64(len(x.entries)))
	indexOps.WithLabelValues(BackendChromem, "remove", "ok").Inc()
}

// Search implements Index.
func (x *ChromemIndex) Search(query []float32, topK int) ([]Match, error) {
	ctx, span := chromemTracer.Start(context.Background(), "ChromemIndex.Search")
	defer span.End()

	if topK <= 0 {
		return nil, x.fail(span, "search", fmt.Errorf("%w: top_k must be positive, got %d", memory.ErrInvalidArgument, topK))
	}
	if err := memory.ValidateEmbedding(query, x.dim); err != nil {
		return nil, x.fail(span, "search", err)
	}

	start := time.Now()
	defer func() {
		searchDuration.WithLabelValues(BackendChromem).Observe(time.Since(start).Seconds())
	}()

	x.mu.RLock()
	defer x.mu.RUnlock()

	n := topK
	if n > len(x.entries) {
		n = len(x.entries)
	}
	if n == 0 {
		return []Match{}, nil
	}

	// A zero query has no direction; every entry scores 0.
	if norm(query) == 0 {
		hits := make([]scored, 0, len(x.entries))
		for id, e := range x.entries {
			hits = append(hits, scored{id: id, seq: e.Seq})
		}
		return rank(hits, n), nil
	}

	// Over-fetch so equal scores cut at the boundary can still be
	// re-ordered by insertion sequence.
	fetch := 2 * n
	if fetch > len(x.entries) {
		fetch = len(x.entries)
	}
	results, err := x.collection.QueryEmbedding(ctx, query, fetch, nil, nil)
	if err != nil {
		return nil, x.fail(span, "search", fmt.Errorf("querying collection: %w", err))
	}

	hits := make([]scored, 0, len(results))
	for _, r := range results {
		e, ok := x.entries[r.ID]
		if !ok {
			continue
		}
		hits = append(hits, scored{id: r.ID, score: clampScore(float64(r.Similarity)), seq: e.Seq})
	}

	matches := rank(hits, n)
	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")
	indexOps.WithLabelValues(BackendChromem, "search", "ok").Inc()
	return matches, nil
}

// Contains implements Index.
func (x *ChromemIndex) Contains(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.entries[id]
	return ok
}

// Len implements Index.
func (x *ChromemIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Dimension implements Index.
func (x *ChromemIndex) Dimension() int {
	return x.dim
}

// Entries implements Index.
func (x *ChromemIndex) Entries() []Entry {
	x.mu.RLock()
	out := make([]Entry, 0, len(x.entries))
	for _, e := range x.entries {
		out = append(out, Entry{ID: e.ID, Embedding: memory.CopyEmbedding(e.Embedding), Seq: e.Seq})
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Reset implements Index.
func (x *ChromemIndex) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(x.entries) > 0 {
		ids := make([]string, 0, len(x.entries))
		for id := range x.entries {
			ids = append(ids, id)
		}
		if err := x.collection.Delete(context.Background(), nil, nil, ids...); err != nil {
			x.logger.Warn("chromem reset failed", zap.Error(err))
		}
	}
	x.entries = make(map[string]Entry)
	indexEntries.WithLabelValues(BackendChromem).Set(0)
}

func (x *ChromemIndex) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	indexOps.WithLabelValues(BackendChromem, op, "error").Inc()
	return err
}

func clampScore(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
