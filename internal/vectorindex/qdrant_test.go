package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/memory"
)

// qdrantIndex connects to the Qdrant named by GRAPHFUSION_TEST_QDRANT
// (host or host:port) using a throwaway collection. It returns nil when the
// variable is unset.
func qdrantIndex(t *testing.T, dim int) *QdrantIndex {
	t.Helper()
	addr := os.Getenv("GRAPHFUSION_TEST_QDRANT")
	if addr == "" || testing.Short() {
		return nil
	}
	host, portStr, _ := strings.Cut(addr, ":")
	port := 6334
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		require.NoError(t, err)
		port = p
	}

	cfg := Config{
		Backend:    BackendQdrant,
		Dimension:  dim,
		Collection: "graphfusion_test_" + uuid.NewString()[:8],
		Qdrant:     QdrantConfig{Host: host, Port: port},
	}
	idx, err := NewQdrantIndex(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = idx.client.DeleteCollection(context.Background(), cfg.Collection)
		_ = idx.Close()
	})
	return idx
}

func TestPointID_IsStablePerRecord(t *testing.T) {
	a := pointID("record-a")
	assert.Equal(t, a.GetUuid(), pointID("record-a").GetUuid())
	assert.NotEqual(t, a.GetUuid(), pointID("record-b").GetUuid())

	_, err := uuid.Parse(a.GetUuid())
	assert.NoError(t, err)
}

func TestConfig_QdrantValidation(t *testing.T) {
	cfg := Config{Backend: BackendQdrant, Dimension: 4}
	cfg.ApplyDefaults()
	assert.Equal(t, 6334, cfg.Qdrant.Port)

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	cfg.Qdrant.Host = "localhost"
	assert.NoError(t, cfg.Validate())
}

func TestQdrantConfig_RedactsAPIKey(t *testing.T) {
	cfg := QdrantConfig{Host: "qdrant.internal", Port: 6334, APIKey: "sk-live-123"}

	assert.NotContains(t, fmt.Sprintf("%v", cfg), "sk-live-123")
	assert.NotContains(t, fmt.Sprintf("%+v", cfg), "sk-live-123")
	assert.NotContains(t, fmt.Sprintf("%#v", cfg), "sk-live-123")

	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "sk-live-123")
	assert.Equal(t, "sk-live-123", cfg.APIKey.Value())
	assert.Empty(t, APIKey("").String())
}

func TestQdrantIndex_Integration(t *testing.T) {
	idx := qdrantIndex(t, 2)
	if idx == nil {
		t.Skip("GRAPHFUSION_TEST_QDRANT not set")
	}

	t.Run("rejects zero vector", func(t *testing.T) {
		err := idx.Insert("zero", []float32{0, 0})
		assert.True(t, errors.Is(err, memory.ErrInvalidArgument))
	})

	t.Run("reset clears collection", func(t *testing.T) {
		require.NoError(t, idx.Insert("a", []float32{1, 0}))
		require.NoError(t, idx.Insert("b", []float32{0, 1}))
		idx.Reset()
		assert.Equal(t, 0, idx.Len())

		require.NoError(t, idx.Insert("a", []float32{1, 0}))
		matches, err := idx.Search([]float32{1, 0}, 5)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "a", matches[0].ID)
	})
}
