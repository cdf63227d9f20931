package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/graphfusion/internal/coordinator"
	"github.com/fyrsmithlabs/graphfusion/internal/feedback"
	"github.com/fyrsmithlabs/graphfusion/internal/graph"
	apihttp "github.com/fyrsmithlabs/graphfusion/internal/http"
	"github.com/fyrsmithlabs/graphfusion/internal/logging"
	"github.com/fyrsmithlabs/graphfusion/internal/recommend"
	"github.com/fyrsmithlabs/graphfusion/internal/vectorindex"
)

func newDaemon(t *testing.T) (*coordinator.Coordinator, string) {
	t.Helper()
	idx := vectorindex.NewExactIndex(2, nil)
	g := graph.New()
	policy, err := feedback.NewAdaptivePolicy(feedback.DefaultConfig(), nil)
	require.NoError(t, err)
	engine, err := recommend.NewEngine(idx, g, recommend.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	coord, err := coordinator.New(idx, g, policy, engine)
	require.NoError(t, err)

	srv, err := apihttp.NewServer(coord, logging.Nop(), nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return coord, ts.URL
}

func run(t *testing.T, url string, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--server", url}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHealth(t *testing.T) {
	coord, url := newDaemon(t)
	_, err := coord.Store(context.Background(), coordinator.StoreRequest{Embedding: []float32{1, 0}})
	require.NoError(t, err)

	out, err := run(t, url, "", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
	assert.Contains(t, out, "Records: 1")
	assert.Contains(t, out, "Dimension: 2")
}

func TestHealth_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := run(t, url, "", "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send request")
}

func TestRecommend(t *testing.T) {
	coord, url := newDaemon(t)
	ctx := context.Background()
	a, err := coord.Store(ctx, coordinator.StoreRequest{Embedding: []float32{1, 0}, Label: "alpha"})
	require.NoError(t, err)
	b, err := coord.Store(ctx, coordinator.StoreRequest{Embedding: []float32{0, 1}, Label: "beta"})
	require.NoError(t, err)
	_, err = coord.Link(ctx, a.ID, b.ID, 0.8, "related")
	require.NoError(t, err)

	t.Run("table", func(t *testing.T) {
		out, err := run(t, url, "", "recommend", "--embedding", "1, 0", "--top-k", "2")
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 3)
		assert.Contains(t, lines[0], "RANK")
		assert.Contains(t, lines[1], a.ID)
		assert.Contains(t, lines[1], "alpha")
		assert.Contains(t, lines[2], b.ID)
	})

	t.Run("json", func(t *testing.T) {
		out, err := run(t, url, "", "recommend", "--embedding", "1,0", "--top-k", "2", "--depth", "0", "--json")
		require.NoError(t, err)
		var resp apihttp.RecommendResponse
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		require.Len(t, resp.Results, 2)
		assert.Equal(t, a.ID, resp.Results[0].ID)
		assert.Zero(t, resp.Results[1].PathConfidence)
	})

	t.Run("bad embedding", func(t *testing.T) {
		_, err := run(t, url, "", "recommend", "--embedding", "1,x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "embedding component 1")
	})

	t.Run("dimension mismatch is reported", func(t *testing.T) {
		_, err := run(t, url, "", "recommend", "--embedding", "1,0,0")
		var apiErr *apiError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	})
}

func TestFeedback(t *testing.T) {
	coord, url := newDaemon(t)
	ctx := context.Background()
	a, err := coord.Store(ctx, coordinator.StoreRequest{Embedding: []float32{1, 0}})
	require.NoError(t, err)
	b, err := coord.Store(ctx, coordinator.StoreRequest{Embedding: []float32{0, 1}})
	require.NoError(t, err)
	_, err = coord.Link(ctx, a.ID, b.ID, 0.5, "related")
	require.NoError(t, err)

	t.Run("node", func(t *testing.T) {
		out, err := run(t, url, "", "feedback", "--id", b.ID, "--signal", "positive", "--magnitude", "0.5")
		require.NoError(t, err)
		assert.Contains(t, out, "0.5000 -> 0.7500")
	})

	t.Run("edge", func(t *testing.T) {
		out, err := run(t, url, "", "feedback",
			"--source", a.ID, "--target", b.ID, "--link-type", "related",
			"--signal", "negative", "--magnitude", "0.5")
		require.NoError(t, err)
		assert.Contains(t, out, "0.7500 -> 0.3750")
	})

	t.Run("neutral changes nothing", func(t *testing.T) {
		out, err := run(t, url, "", "feedback", "--id", b.ID, "--signal", "neutral")
		require.NoError(t, err)
		assert.Contains(t, out, "No relations changed")
	})

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"bad signal", []string{"--id", b.ID, "--signal", "meh"}, "signal"},
		{"no target", []string{"--signal", "positive"}, "one of --id"},
		{"both forms", []string{"--id", b.ID, "--source", a.ID, "--signal", "positive"}, "not both"},
		{"partial edge", []string{"--source", a.ID, "--target", b.ID, "--signal", "positive"}, "--link-type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, url, "", append([]string{"feedback"}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExportImport(t *testing.T) {
	src, srcURL := newDaemon(t)
	ctx := context.Background()
	a, err := src.Store(ctx, coordinator.StoreRequest{Embedding: []float32{1, 0}, Label: "alpha"})
	require.NoError(t, err)
	b, err := src.Store(ctx, coordinator.StoreRequest{Embedding: []float32{0, 1}})
	require.NoError(t, err)
	_, err = src.Link(ctx, a.ID, b.ID, 0.6, "related")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "state.json")
	out, err := run(t, srcURL, "", "export", "--out", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 2 records, 2 nodes, 1 edges")

	dst, dstURL := newDaemon(t)
	out, err = run(t, dstURL, "", "import", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 records, 2 nodes, 1 edges")

	got, err := dst.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Label)

	t.Run("stdin", func(t *testing.T) {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		other, otherURL := newDaemon(t)
		_, err = run(t, otherURL, string(data), "import", "-")
		require.NoError(t, err)
		assert.Equal(t, 2, other.Stats().Records)
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		_, err := run(t, dstURL, "{", "import")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not valid JSON")
	})
}

func TestParseEmbedding(t *testing.T) {
	got, err := parseEmbedding("0.5, -1,2")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1, 2}, got)

	_, err = parseEmbedding("1,,2")
	assert.Error(t, err)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "record not found", errorMessage(strings.NewReader(`{"message":"record not found"}`)))
	assert.Equal(t, "plain failure", errorMessage(strings.NewReader("plain failure\n")))
}
