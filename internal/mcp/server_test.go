package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/graphfusion/internal/coordinator"
	"github.com/fyrsmithlabs/graphfusion/internal/feedback"
	"github.com/fyrsmithlabs/graphfusion/internal/graph"
	"github.com/fyrsmithlabs/graphfusion/internal/recommend"
	"github.com/fyrsmithlabs/graphfusion/internal/telemetry"
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

type harness struct {
	session *mcp.ClientSession
	coord   *coordinator.Coordinator
	tel     *telemetry.TestTelemetry
}

func setup(t *testing.T) *harness {
	t.Helper()
	coord := newCoordinator(t)
	tel := telemetry.NewTestTelemetry()

	cfg := DefaultConfig()
	cfg.Metrics = NewMetrics(tel.Meter(instrumentationName), nil)
	srv, err := NewServer(cfg, coord)
	require.NoError(t, err)

	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	_, err = srv.Connect(ctx, serverTransport)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return &harness{session: session, coord: coord, tel: tel}
}

// call invokes a tool, requires success and decodes its structured output.
func call[Out any](t *testing.T, h *harness, name string, args map[string]any) Out {
	t.Helper()
	result, err := h.session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)
	if result.IsError {
		tc, _ := result.Content[0].(*mcp.TextContent)
		require.FailNow(t, "tool returned error", "%s: %v", name, tc)
	}

	data, err := json.Marshal(result.StructuredContent)
	require.NoError(t, err)
	var out Out
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

// callError invokes a tool and returns the error text it reported.
func callError(t *testing.T, h *harness, name string, args map[string]any) string {
	t.Helper()
	result, err := h.session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err, "tool errors must not be protocol errors")
	require.True(t, result.IsError, "expected %s to fail", name)
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestListTools(t *testing.T) {
	h := setup(t)
	result, err := h.session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"memory_store", "memory_recommend", "memory_link", "memory_feedback", "memory_forget",
	}, names)
}

func TestNewServer_RequiresService(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.Error(t, err)
}

func TestStoreRecommendFeedbackForget(t *testing.T) {
	h := setup(t)

	a := call[memoryStoreOutput](t, h, "memory_store", map[string]any{
		"embedding":  []float32{1, 0},
		"label":      "retry with backoff",
		"attributes": map[string]any{"topic": "networking"},
	})
	require.NotEmpty(t, a.ID)

	b := call[memoryStoreOutput](t, h, "memory_store", map[string]any{
		"embedding": []float32{0, 1},
		"label":     "circuit breaker",
		"links":     []map[string]any{},
	})

	link := call[memoryLinkOutput](t, h, "memory_link", map[string]any{
		"source":     a.ID,
		"target":     b.ID,
		"link_type":  "related_to",
		"confidence": 0.8,
	})
	assert.Equal(t, 0.8, link.Confidence)

	recs := call[memoryRecommendOutput](t, h, "memory_recommend", map[string]any{
		"embedding":   []float32{1, 0},
		"top_k":       2,
		"graph_depth": 1,
	})
	require.Equal(t, 2, recs.Count)
	assert.Equal(t, a.ID, recs.Results[0].ID)
	assert.Equal(t, "networking", recs.Results[0].Attributes["topic"])
	assert.Equal(t, b.ID, recs.Results[1].ID)
	assert.InDelta(t, 0.24, recs.Results[1].Score, 1e-9)
	assert.Equal(t, a.ID, recs.Results[1].Via)

	fb := call[memoryFeedbackOutput](t, h, "memory_feedback", map[string]any{
		"id":        b.ID,
		"signal":    "positive",
		"magnitude": 0.5,
	})
	require.Len(t, fb.Updates, 1)
	assert.InDelta(t, 0.9, fb.Updates[0].After, 1e-12)
	assert.NotEmpty(t, fb.EventID)

	forgot := call[memoryForgetOutput](t, h, "memory_forget", map[string]any{"id": b.ID})
	assert.True(t, forgot.Deleted)
	assert.Equal(t, 0, h.coord.Stats().Edges, "forget cascades to relations")

	again := call[memoryForgetOutput](t, h, "memory_forget", map[string]any{"id": b.ID})
	assert.False(t, again.Deleted)
}

func TestMemoryStore_LinksAtomically(t *testing.T) {
	h := setup(t)
	require.NoError(t, h.coord.AddNode(context.Background(), "topic:go", nil))

	out := call[memoryStoreOutput](t, h, "memory_store", map[string]any{
		"embedding": []float32{1, 0},
		"links": []map[string]any{
			{"target": "topic:go", "link_type": "about", "confidence": 0.9},
		},
	})
	assert.Equal(t, []string{"topic:go"}, out.Linked)
	_, ok := h.coord.Graph().GetEdge(graph.EdgeKey{Source: out.ID, Target: "topic:go", LinkType: "about"})
	assert.True(t, ok)

	msg := callError(t, h, "memory_store", map[string]any{
		"embedding": []float32{0, 1},
		"links": []map[string]any{
			{"target": "topic:go", "link_type": "about", "confidence": 0.9},
			{"target": "missing", "link_type": "about", "confidence": 0.9},
		},
	})
	assert.Contains(t, msg, "unknown node")
	assert.Equal(t, 1, h.coord.Stats().Records, "failed store is rolled back")
	assert.Equal(t, 1, h.coord.Stats().Edges)
}

func TestMemoryFeedback_EdgeTargetAndDefaults(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	require.NoError(t, h.coord.AddNode(ctx, "x", nil))
	require.NoError(t, h.coord.AddNode(ctx, "y", nil))
	_, err := h.coord.Link(ctx, "x", "y", 0.5, "rel")
	require.NoError(t, err)

	// Default magnitude 0.2: 0.5 * (1 - 0.2).
	fb := call[memoryFeedbackOutput](t, h, "memory_feedback", map[string]any{
		"source": "x", "target": "y", "link_type": "rel", "signal": "negative",
	})
	require.Len(t, fb.Updates, 1)
	assert.InDelta(t, 0.4, fb.Updates[0].After, 1e-12)

	fb = call[memoryFeedbackOutput](t, h, "memory_feedback", map[string]any{
		"id": "y", "signal": "neutral",
	})
	assert.Empty(t, fb.Updates)
	e, _ := h.coord.Graph().GetEdge(graph.EdgeKey{Source: "x", Target: "y", LinkType: "rel"})
	assert.InDelta(t, 0.4, e.Confidence, 1e-12)
}

func TestToolErrors(t *testing.T) {
	h := setup(t)

	tests := []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{"recommend on empty index", "memory_recommend", map[string]any{"embedding": []float32{1, 0}}, "empty index"},
		{"dimension mismatch", "memory_store", map[string]any{"embedding": []float32{1, 0, 0}}, "dimension mismatch"},
		{"unknown signal", "memory_feedback", map[string]any{"id": "a", "signal": "meh"}, "unknown signal"},
		{"ambiguous feedback target", "memory_feedback", map[string]any{"id": "a", "source": "b", "signal": "positive"}, "not both"},
		{"feedback without target", "memory_feedback", map[string]any{"signal": "positive"}, "required"},
		{"link unknown node", "memory_link", map[string]any{"source": "a", "target": "b", "link_type": "rel", "confidence": 0.5}, "unknown node"},
		{"link without type", "memory_link", map[string]any{"source": "a", "target": "b", "link_type": "", "confidence": 0.5}, "link_type"},
		{"forget without id", "memory_forget", map[string]any{"id": ""}, "id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := callError(t, h, tt.tool, tt.args)
			assert.Contains(t, msg, tt.want)
		})
	}

	n, ok := h.tel.Int64Sum(t, "graphfusion.mcp.tool.errors_total",
		attribute.String("tool", "memory_recommend"),
		attribute.String("reason", "empty_index"),
	)
	require.True(t, ok)
	assert.Equal(t, int64(1), n)

	n, ok = h.tel.Int64Sum(t, "graphfusion.mcp.tool.errors_total",
		attribute.String("tool", "memory_link"),
		attribute.String("reason", "not_found"),
	)
	require.True(t, ok)
	assert.Equal(t, int64(1), n)
}

func TestToolInvocationMetrics(t *testing.T) {
	h := setup(t)
	call[memoryStoreOutput](t, h, "memory_store", map[string]any{"embedding": []float32{1, 0}})
	call[memoryStoreOutput](t, h, "memory_store", map[string]any{"embedding": []float32{0, 1}})

	n, ok := h.tel.Int64Sum(t, "graphfusion.mcp.tool.invocations_total", attribute.String("tool", "memory_store"))
	require.True(t, ok)
	assert.Equal(t, int64(2), n)

	active, ok := h.tel.Int64Sum(t, "graphfusion.mcp.tool.active_requests", attribute.String("tool", "memory_store"))
	require.True(t, ok)
	assert.Zero(t, active)
}
