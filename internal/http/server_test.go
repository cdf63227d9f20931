package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/graphfusion/internal/coordinator"
	"github.com/fyrsmithlabs/graphfusion/internal/feedback"
	"github.com/fyrsmithlabs/graphfusion/internal/graph"
	"github.com/fyrsmithlabs/graphfusion/internal/logging"
	"github.com/fyrsmithlabs/graphfusion/internal/memory"
	"github.com/fyrsmithlabs/graphfusion/internal/recommend"
	"github.com/fyrsmithlabs/graphfusion/internal/vectorindex"
)

func newCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	idx := vectorindex.NewExactIndex(2, nil)
	g := graph.New()
	policy, err := feedback.NewAdaptivePolicy(feedback.DefaultConfig(), nil)
	require.NoError(t, err)
	engine, err := recommend.NewEngine(idx, g, recommend.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	c, err := coordinator.New(idx, g, policy, engine)
	require.NoError(t, err)
	return c
}

type testServer struct {
	*Server
	coord  *coordinator.Coordinator
	logger *logging.TestLogger
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	coord := newCoordinator(t)
	logger := logging.NewTestLogger()
	s, err := NewServer(coord, logger.Logger, nil, opts...)
	require.NoError(t, err)
	return &testServer{Server: s, coord: coord, logger: logger}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(data))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) store(t *testing.T, emb []float32, label string) memory.Record {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/records", StoreRequest{Embedding: emb, Label: label})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[memory.Record](t, rec)
}

func ptr[T any](v T) *T { return &v }

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		s, err := NewServer(newCoordinator(t), logging.Nop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:8089", s.Addr())
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(newCoordinator(t), nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when service is nil", func(t *testing.T) {
		_, err := NewServer(nil, logging.Nop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "service cannot be nil")
	})
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	ts.store(t, []float32{1, 0}, "a")

	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Stats.Records)
	assert.Equal(t, 2, resp.Stats.Dimension)
}

func TestRecordLifecycle(t *testing.T) {
	ts := newTestServer(t)
	stored := ts.store(t, []float32{1, 0}, "first")
	require.NotEmpty(t, stored.ID)
	assert.Equal(t, "first", stored.Label)

	rec := ts.do(t, http.MethodGet, "/api/v1/records/"+stored.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[memory.Record](t, rec)
	assert.Equal(t, []float32{1, 0}, got.Embedding)

	rec = ts.do(t, http.MethodPatch, "/api/v1/records/"+stored.ID+"/attributes", PatchAttributesRequest{
		Set: map[string]any{"topic": "go", "score": 3},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	patched := decode[memory.Record](t, rec)
	topic, ok := patched.Attributes.GetString("topic")
	require.True(t, ok)
	assert.Equal(t, "go", topic)

	rec = ts.do(t, http.MethodPatch, "/api/v1/records/"+stored.ID+"/attributes", PatchAttributesRequest{
		Remove: []string{"topic"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	patched = decode[memory.Record](t, rec)
	_, ok = patched.Attributes.Get("topic")
	assert.False(t, ok)

	rec = ts.do(t, http.MethodDelete, "/api/v1/records/"+stored.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/records/"+stored.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Deleting again is a no-op.
	rec = ts.do(t, http.MethodDelete, "/api/v1/records/"+stored.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestStore_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    any
		status  int
		message string
	}{
		{"missing embedding", map[string]any{"label": "x"}, http.StatusBadRequest, "embedding is required"},
		{"dimension mismatch", StoreRequest{Embedding: []float32{1, 2, 3}}, http.StatusBadRequest, "dimension"},
		{"malformed json", "{", http.StatusBadRequest, "invalid request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(t, http.MethodPost, "/api/v1/records", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.message)
		})
	}
}

func TestGraphEndpoints(t *testing.T) {
	ts := newTestServer(t)
	for _, id := range []string{"a", "b", "c"} {
		rec := ts.do(t, http.MethodPost, "/api/v1/nodes", NodeRequest{ID: id})
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/edges", LinkRequest{Source: "a", Target: "b", LinkType: "rel", Confidence: ptr(0.8)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	edge := decode[graph.Edge](t, rec)
	assert.Equal(t, 0.8, edge.Confidence)

	rec = ts.do(t, http.MethodPost, "/api/v1/edges", LinkRequest{Source: "b", Target: "c", LinkType: "rel", Confidence: ptr(0.5)})
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("neighbors", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/nodes/b/neighbors?direction=both", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[NeighborsResponse](t, rec)
		assert.Len(t, resp.Neighbors, 2)

		rec = ts.do(t, http.MethodGet, "/api/v1/nodes/b/neighbors?min_confidence=0.6", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode[NeighborsResponse](t, rec).Neighbors)
	})

	t.Run("traverse", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/nodes/a/traverse?depth=2", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		reached := decode[TraverseResponse](t, rec).Reached
		require.Len(t, reached, 3)
		assert.Equal(t, "c", reached[2].ID)
		assert.Equal(t, 2, reached[2].Hops)
		assert.InDelta(t, 0.4, reached[2].Confidence, 1e-12)
	})

	t.Run("unknown node is 404", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/nodes/zz/traverse", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = ts.do(t, http.MethodPost, "/api/v1/edges", LinkRequest{Source: "a", Target: "zz", LinkType: "rel", Confidence: ptr(0.5)})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid parameters are 400", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/nodes/a/neighbors?direction=sideways", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = ts.do(t, http.MethodGet, "/api/v1/nodes/a/traverse?min_confidence=2", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "min_confidence")

		rec = ts.do(t, http.MethodPost, "/api/v1/edges", map[string]any{"source": "a", "target": "b", "link_type": "rel"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "confidence is required")
	})

	t.Run("unlink", func(t *testing.T) {
		rec := ts.do(t, http.MethodDelete, "/api/v1/edges?source=a&target=b&link_type=rel", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		_, ok := ts.coord.Graph().GetEdge(graph.EdgeKey{Source: "a", Target: "b", LinkType: "rel"})
		assert.False(t, ok)

		rec = ts.do(t, http.MethodDelete, "/api/v1/edges?source=a", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRecommendations(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/recommendations", RecommendRequest{Embedding: []float32{1, 0}, TopK: 2})
	assert.Equal(t, http.StatusConflict, rec.Code, "empty index")

	a := ts.store(t, []float32{1, 0}, "a")
	b := ts.store(t, []float32{0, 1}, "b")
	rec = ts.do(t, http.MethodPost, "/api/v1/edges", LinkRequest{Source: a.ID, Target: b.ID, LinkType: "rel", Confidence: ptr(0.8)})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/recommendations", RecommendRequest{
		Embedding:  []float32{1, 0},
		TopK:       2,
		GraphDepth: 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	results := decode[RecommendResponse](t, rec).Results
	require.Len(t, results, 2)
	assert.Equal(t, a.ID, results[0].ID)
	assert.InDelta(t, 0.94, results[0].Score, 1e-9)
	assert.Equal(t, b.ID, results[1].ID)
	assert.InDelta(t, 0.24, results[1].Score, 1e-9)
	require.NotNil(t, results[1].Record)
	assert.Equal(t, "b", results[1].Record.Label)

	rec = ts.do(t, http.MethodPost, "/api/v1/recommendations", RecommendRequest{Embedding: []float32{1, 0}, TopK: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "top_k")
}

func TestSearch(t *testing.T) {
	ts := newTestServer(t)
	ts.store(t, []float32{0, 1}, "b")
	a := ts.store(t, []float32{1, 0}, "a")

	rec := ts.do(t, http.MethodPost, "/api/v1/search", SearchRequest{Embedding: []float32{1, 0.1}, TopK: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	hits := decode[SearchResponse](t, rec).Hits
	require.Len(t, hits, 1)
	assert.Equal(t, a.ID, hits[0].ID)
}

func TestFeedback(t *testing.T) {
	ts := newTestServer(t)
	a := ts.store(t, []float32{1, 0}, "a")
	b := ts.store(t, []float32{0, 1}, "b")
	key := graph.EdgeKey{Source: a.ID, Target: b.ID, LinkType: "rel"}
	_, err := ts.coord.Link(t.Context(), key.Source, key.Target, 0.5, key.LinkType)
	require.NoError(t, err)

	t.Run("edge target", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/feedback", FeedbackRequest{Edge: &key, Signal: "positive", Magnitude: 0.5})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		out := decode[feedback.Outcome](t, rec)
		require.Len(t, out.Updates, 1)
		assert.InDelta(t, 0.75, out.Updates[0].After, 1e-12)
	})

	t.Run("record target", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/feedback", FeedbackRequest{RecordID: b.ID, Signal: "NEGATIVE", Magnitude: 0.5})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		out := decode[feedback.Outcome](t, rec)
		require.Len(t, out.Updates, 1)
		assert.InDelta(t, 0.375, out.Updates[0].After, 1e-12)
	})

	t.Run("neutral leaves confidence alone", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/feedback", FeedbackRequest{Edge: &key, Signal: "neutral"})
		require.Equal(t, http.StatusOK, rec.Code)
		e, _ := ts.coord.Graph().GetEdge(key)
		assert.InDelta(t, 0.375, e.Confidence, 1e-12)
	})

	tests := []struct {
		name   string
		body   FeedbackRequest
		status int
	}{
		{"unknown signal", FeedbackRequest{Edge: &key, Signal: "meh"}, http.StatusBadRequest},
		{"negative magnitude", FeedbackRequest{Edge: &key, Signal: "positive", Magnitude: -1}, http.StatusBadRequest},
		{"no target", FeedbackRequest{Signal: "positive"}, http.StatusBadRequest},
		{"conflicting ids", FeedbackRequest{NodeID: a.ID, RecordID: b.ID, Signal: "positive"}, http.StatusBadRequest},
		{"unknown node", FeedbackRequest{NodeID: "missing", Signal: "positive", Magnitude: 0.1}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/feedback", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestStateExportImport(t *testing.T) {
	src := newTestServer(t)
	a := src.store(t, []float32{1, 0}, "a")
	b := src.store(t, []float32{0, 1}, "b")
	_, err := src.coord.Link(t.Context(), a.ID, b.ID, 0.6, "rel")
	require.NoError(t, err)

	rec := src.do(t, http.MethodGet, "/api/v1/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := rec.Body.Bytes()

	dst := newTestServer(t)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/state", bytes.NewReader(state))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	out := httptest.NewRecorder()
	dst.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code, out.Body.String())

	stats := decode[coordinator.Stats](t, out)
	assert.Equal(t, 2, stats.Records)
	assert.Equal(t, 1, stats.Edges)

	got, err := dst.coord.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Label)

	t.Run("rejects non-json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/api/v1/state", strings.NewReader("x"))
		req.Header.Set(echo.HeaderContentType, echo.MIMETextPlain)
		out := httptest.NewRecorder()
		dst.ServeHTTP(out, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, out.Code)
	})

	t.Run("invalid state leaves prior state", func(t *testing.T) {
		bad := coordinator.State{
			Version:   coordinator.StateVersion,
			Dimension: 2,
			Records:   []memory.Record{{ID: "x", Embedding: []float32{1, 2, 3}}},
		}
		rec := dst.do(t, http.MethodPut, "/api/v1/state", bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, 2, dst.coord.Stats().Records)
	})
}

func TestWeights(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/weights", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	w := decode[WeightsRequest](t, rec)
	assert.Equal(t, 0.7, w.Similarity)
	assert.Equal(t, 0.3, w.Path)

	rec = ts.do(t, http.MethodPut, "/api/v1/weights", WeightsRequest{Similarity: 0.5, Path: 0.5})
	require.Equal(t, http.StatusOK, rec.Code)
	sim, path := ts.coord.FusionWeights()
	assert.Equal(t, 0.5, sim)
	assert.Equal(t, 0.5, path)

	rec = ts.do(t, http.MethodPut, "/api/v1/weights", WeightsRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	ts.logger.AssertLogged(t, zapcore.InfoLevel, "fusion weights updated")
}

func TestRequestIDIsLogged(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-123")
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get(echo.HeaderXRequestID))
	ts.logger.AssertField(t, "http request", "request.id", "req-123")
	ts.logger.AssertField(t, "http request", "route", "/health")
}

func TestInternalErrorsAreLogged(t *testing.T) {
	ts := newTestServer(t)
	ts.echo.GET("/boom", func(echo.Context) error {
		return coreError(assert.AnError)
	})

	rec := ts.do(t, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
	ts.logger.AssertLogged(t, zapcore.ErrorLevel, "http request failed")
}

func TestPrometheusEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.store(t, []float32{1, 0}, "a")

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "graphfusion_vectorindex_operations_total")
}

func TestBodyLimit(t *testing.T) {
	coord := newCoordinator(t)
	s, err := NewServer(coord, logging.Nop(), &Config{BodyLimit: "1K"})
	require.NoError(t, err)

	big := StoreRequest{Embedding: []float32{1, 0}, Label: strings.Repeat("x", 400)}
	big.Attributes = map[string]any{"blob": strings.Repeat("y", 2048)}
	data, err := json.Marshal(big)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/records", bytes.NewReader(data))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
