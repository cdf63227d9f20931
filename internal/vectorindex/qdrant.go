package vectorindex

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fyrsmithlabs/graphfusion/internal/memory"
)

var qdrantTracer = otel.Tracer("graphfusion.vectorindex.qdrant")

const (
	recordIDPayloadKey = "record_id"
	qdrantOpTimeout    = 10 * time.Second
	qdrantMaxMessage   = 50 * 1024 * 1024
)

// pointNamespace derives Qdrant point UUIDs from record ids, which may be
// arbitrary strings after an import.
var pointNamespace = uuid.MustParse("5f0c6a53-8a5e-4f57-9d8c-2b3c1f6e9a41")

// QdrantIndex implements Index on a Qdrant collection over gRPC.
//
// Insertion order lives in the local entry table, not in Qdrant. The
// collection is recreated empty when the index opens; state comes back
// through a snapshot restore. Searches run with exact (brute-force)
// scoring and are re-sorted by (score desc, seq asc).
type QdrantIndex struct {
	mu      sync.RWMutex
	client  *qdrant.Client
	config  Config
	dim     int
	entries map[string]Entry
	nextSeq uint64
	logger  *zap.Logger
}

// pointID maps a record id to its Qdrant point id.
func pointID(id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(id)).String())
}

// NewQdrantIndex connects to Qdrant, checks its health and recreates the
// configured collection.
func NewQdrantIndex(cfg Config, logger *zap.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Qdrant.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", cfg.Qdrant.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Qdrant.Host,
		Port:   cfg.Qdrant.Port,
		APIKey: cfg.Qdrant.APIKey.Value(),
		UseTLS: cfg.Qdrant.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(qdrantMaxMessage),
				grpc.MaxCallSendMsgSize(qdrantMaxMessage),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	x := &QdrantIndex{
		client:  client,
		config:  cfg,
		dim:     cfg.Dimension,
		entries: make(map[string]Entry),
		logger:  logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), qdrantOpTimeout)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check failed: %w", err)
	}
	if err := x.recreateCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant index initialized",
		zap.String("host", cfg.Qdrant.Host),
		zap.Int("port", cfg.Qdrant.Port),
		zap.String("collection", cfg.Collection),
		zap.Int("dimension", cfg.Dimension),
	)
	return x, nil
}

func (x *QdrantIndex) recreateCollection(ctx context.Context) error {
	names, err := x.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("listing collections: %w", err)
	}
	if slices.Contains(names, x.config.Collection) {
		if err := x.client.DeleteCollection(ctx, x.config.Collection); err != nil {
			return fmt.Errorf("deleting collection %s: %w", x.config.Collection, err)
		}
	}
	err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: x.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(x.dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", x.config.Collection, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (x *QdrantIndex) Close() error {
	return x.client.Close()
}

// Insert implements Index.
func (x *QdrantIndex) Insert(id string, embedding []float32) error {
	ctx, span := qdrantTracer.Start(context.Background(), "QdrantIndex.Insert")
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

	ctx, cancel := context.WithTimeout(ctx, qdrantOpTimeout)
	defer cancel()

	seq := x.nextSeq + 1
	_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.config.Collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      pointID(id),
			Vectors: qdrant.NewVectors(embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				recordIDPayloadKey: id,
				seqMetadataKey:     int64(seq),
			}),
		}},
	})
	if err != nil {
		return x.fail(span, "insert", fmt.Errorf("upserting point %s: %w", id, err))
	}

	x.nextSeq = seq
	x.entries[id] = Entry{ID: id, Embedding: memory.CopyEmbedding(embedding), Seq: seq}
	indexEntries.WithLabelValues(BackendQdrant).Set(float64(len(x.entries)))
	indexOps.WithLabelValues(BackendQdrant, "insert", "ok").Inc()
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Remove implements Index.
func (x *QdrantIndex) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.entries[id]; !ok {
		return
	}
	x.deletePoints(id)
	delete(x.entries, id)
	indexEntries.WithLabelValues(BackendQdrant).Set(float64(len(x.entries)))
	indexOps.WithLabelValues(BackendQdrant, "remove", "ok").Inc()
}

// deletePoints removes ids from the collection. Failures are logged; the
// local table stays authoritative and search skips unknown points.
func (x *QdrantIndex) deletePoints(ids ...string) {
	pids := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pids[i] = pointID(id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), qdrantOpTimeout)
	defer cancel()
	_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: x.config.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(pids...),
	})
	if err != nil {
		x.logger.Warn("qdrant delete failed", zap.Int("points", len(ids)), zap.Error(err))
		indexOps.WithLabelValues(BackendQdrant, "remove", "error").Inc()
	}
}

// Search implements Index.
func (x *QdrantIndex) Search(query []float32, topK int) ([]Match, error) {
	ctx, span := qdrantTracer.Start(context.Background(), "QdrantIndex.Search")
	defer span.End()

	if topK <= 0 {
		return nil, x.fail(span, "search", fmt.Errorf("%w: top_k must be positive, got %d", memory.ErrInvalidArgument, topK))
	}
	if err := memory.ValidateEmbedding(query, x.dim); err != nil {
		return nil, x.fail(span, "search", err)
	}

	start := time.Now()
	defer func() {
		searchDuration.WithLabelValues(BackendQdrant).Observe(time.Since(start).Seconds())
	}()

	x.mu.RLock()
	defer x.mu.RUnlock()

	n := min(topK, len(x.entries))
	if n == 0 {
		return []Match{}, nil
	}

	if norm(query) == 0 {
		hits := make([]scored, 0, len(x.entries))
		for id, e := range x.entries {
			hits = append(hits, scored{id: id, seq: e.Seq})
		}
		return rank(hits, n), nil
	}

	ctx, cancel := context.WithTimeout(ctx, qdrantOpTimeout)
	defer cancel()

	fetch := min(2*n, len(x.entries))
	points, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.config.Collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(fetch)),
		WithPayload:    qdrant.NewWithPayload(true),
		Params: &qdrant.SearchParams{
			Exact: qdrant.PtrOf(true),
		},
	})
	if err != nil {
		return nil, x.fail(span, "search", fmt.Errorf("querying collection: %w", err))
	}

	hits := make([]scored, 0, len(points))
	for _, p := range points {
		id := p.GetPayload()[recordIDPayloadKey].GetStringValue()
		e, ok := x.entries[id]
		if !ok {
			continue
		}
		hits = append(hits, scored{id: id, score: clampScore(float64(p.GetScore())), seq: e.Seq})
	}

	matches := rank(hits, n)
	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")
	indexOps.WithLabelValues(BackendQdrant, "search", "ok").Inc()
	return matches, nil
}

// Contains implements Index.
func (x *QdrantIndex) Contains(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.entries[id]
	return ok
}

// Len implements Index.
func (x *QdrantIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Dimension implements Index.
func (x *QdrantIndex) Dimension() int {
	return x.dim
}

// Entries implements Index.
func (x *QdrantIndex) Entries() []Entry {
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
func (x *QdrantIndex) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(x.entries) > 0 {
		ids := make([]string, 0, len(x.entries))
		for id := range x.entries {
			ids = append(ids, id)
		}
		x.deletePoints(ids...)
	}
	x.entries = make(map[string]Entry)
	indexEntries.WithLabelValues(BackendQdrant).Set(0)
}

func (x *QdrantIndex) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	indexOps.WithLabelValues(BackendQdrant, op, "error").Inc()
	return err
}
