package vectorindex

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/memory"
)

// backends returns a fresh instance of every Index implementation.
func backends(t *testing.T, dim int) map[string]Index {
	t.Helper()
	chromemIdx, err := NewChromemIndex(Config{Backend: BackendChromem, Dimension: dim}, zap.NewNop())
	require.NoError(t, err)
	out := map[string]Index{
		BackendExact:   NewExactIndex(dim, zap.NewNop()),
		BackendChromem: chromemIdx,
	}
	if q := qdrantIndex(t, dim); q != nil {
		out[BackendQdrant] = q
	}
	return out
}

func TestIndex_SearchOrdering(t *testing.T) {
	for name, idx := range backends(t, 2) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, idx.Insert("east", []float32{1, 0}))
			require.NoError(t, idx.Insert("north", []float32{0, 1}))
			require.NoError(t, idx.Insert("northeast", []float32{1, 1}))
			require.NoError(t, idx.Insert("west", []float32{-1, 0}))

			matches, err := idx.Search([]float32{1, 0}, 10)
			require.NoError(t, err)
			require.Len(t, matches, 4, "returns min(top_k, len)")

			ids := []string{matches[0].ID, matches[1].ID, matches[2].ID, matches[3].ID}
			assert.Equal(t, []string{"east", "northeast", "north", "west"}, ids)
			assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
			assert.InDelta(t, math.Sqrt2/2, matches[1].Score, 1e-6)
			assert.InDelta(t, 0.0, matches[2].Score, 1e-6)
			assert.InDelta(t, -1.0, matches[3].Score, 1e-6)

			for i := 1; i < len(matches); i++ {
				assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
			}
		})
	}
}

func TestIndex_TiesBreakByInsertionOrder(t *testing.T) {
	for name, idx := range backends(t, 2) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, idx.Insert("second", []float32{1, 0}))
			require.NoError(t, idx.Insert("first", []float32{2, 0}))
			require.NoError(t, idx.Insert("third", []float32{3, 0}))

			matches, err := idx.Search([]float32{1, 0}, 2)
			require.NoError(t, err)
			require.Len(t, matches, 2)
			assert.Equal(t, "second", matches[0].ID)
			assert.Equal(t, "first", matches[1].ID)
		})
	}
}

func TestIndex_Errors(t *testing.T) {
	for name, idx := range backends(t, 3) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, idx.Insert("a", []float32{1, 2, 3}))

			err := idx.Insert("b", []float32{1, 2})
			assert.True(t, errors.Is(err, memory.ErrDimensionMismatch), "got %v", err)

			err = idx.Insert("a", []float32{3, 2, 1})
			assert.True(t, errors.Is(err, memory.ErrDuplicateID), "got %v", err)

			err = idx.Insert("", []float32{3, 2, 1})
			assert.True(t, errors.Is(err, memory.ErrInvalidArgument), "got %v", err)

			_, err = idx.Search([]float32{1, 2, 3}, 0)
			assert.True(t, errors.Is(err, memory.ErrInvalidArgument), "got %v", err)

			_, err = idx.Search([]float32{1, 2, 3, 4}, 1)
			assert.True(t, errors.Is(err, memory.ErrDimensionMismatch), "got %v", err)

			assert.Equal(t, 1, idx.Len(), "failed writes do not change the index")
		})
	}
}

func TestIndex_SearchRejectsNonFiniteQuery(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	for name, idx := range backends(t, 2) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, idx.Insert("a", []float32{1, 0}))
			require.NoError(t, idx.Insert("b", []float32{0, 1}))

			for _, q := range [][]float32{{nan, 0}, {1, inf}, {float32(math.Inf(-1)), 1}} {
				_, err := idx.Search(q, 2)
				assert.True(t, errors.Is(err, memory.ErrInvalidArgument), "query %v: got %v", q, err)
			}
		})
	}
}

func TestIndex_RemoveErasesAllTrace(t *testing.T) {
	for name, idx := range backends(t, 2) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, idx.Insert("a", []float32{1, 0}))
			require.NoError(t, idx.Insert("b", []float32{0.9, 0.1}))

			idx.Remove("a")
			idx.Remove("a")
			idx.Remove("never-existed")

			assert.False(t, idx.Contains("a"))
			assert.Equal(t, 1, idx.Len())

			matches, err := idx.Search([]float32{1, 0}, 5)
			require.NoError(t, err)
			require.Len(t, matches, 1)
			assert.Equal(t, "b", matches[0].ID)

			require.NoError(t, idx.Insert("a", []float32{1, 0}), "id can be reused after removal")
		})
	}
}

func TestIndex_EmptySearch(t *testing.T) {
	for name, idx := range backends(t, 2) {
		t.Run(name, func(t *testing.T) {
			matches, err := idx.Search([]float32{1, 0}, 3)
			require.NoError(t, err)
			assert.Empty(t, matches)
		})
	}
}

func TestIndex_EntriesInInsertionOrder(t *testing.T) {
	for name, idx := range backends(t, 2) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				require.NoError(t, idx.Insert(fmt.Sprintf("r%d", i), []float32{float32(i + 1), 1}))
			}
			idx.Remove("r2")

			entries := idx.Entries()
			require.Len(t, entries, 4)
			assert.Equal(t, "r0", entries[0].ID)
			assert.Equal(t, "r4", entries[3].ID)
			for i := 1; i < len(entries); i++ {
				assert.Less(t, entries[i-1].Seq, entries[i].Seq)
			}

			idx.Reset()
			assert.Equal(t, 0, idx.Len())
		})
	}
}

func TestIndex_InsertCopiesEmbedding(t *testing.T) {
	for name, idx := range backends(t, 2) {
		t.Run(name, func(t *testing.T) {
			v := []float32{1, 0}
			require.NoError(t, idx.Insert("a", v))
			v[0], v[1] = 0, 1

			matches, err := idx.Search([]float32{1, 0}, 1)
			require.NoError(t, err)
			assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
		})
	}
}

func TestExactIndex_ZeroVectorScoresZero(t *testing.T) {
	idx := NewExactIndex(2, nil)
	require.NoError(t, idx.Insert("zero", []float32{0, 0}))
	require.NoError(t, idx.Insert("unit", []float32{1, 0}))

	matches, err := idx.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, "unit", matches[0].ID)
	assert.Equal(t, 0.0, matches[1].Score)

	matches, err = idx.Search([]float32{0, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, 0.0, matches[0].Score)
	assert.Equal(t, 0.0, matches[1].Score)
	assert.Equal(t, "zero", matches[0].ID, "ties keep insertion order")
}

func TestChromemIndex_RejectsZeroVector(t *testing.T) {
	idx, err := NewChromemIndex(Config{Dimension: 2}, nil)
	require.NoError(t, err)

	err = idx.Insert("zero", []float32{0, 0})
	assert.True(t, errors.Is(err, memory.ErrInvalidArgument))
}

func TestChromemIndex_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Backend: BackendChromem, Dimension: 2, ChromemPath: dir}

	first, err := NewChromemIndex(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, first.Insert("a", []float32{1, 0}))
	require.NoError(t, first.Insert("b", []float32{1, 0}))

	second, err := NewChromemIndex(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Len())

	matches, err := second.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, "a", matches[0].ID)

	require.NoError(t, second.Insert("c", []float32{0, 1}))
	entries := second.Entries()
	assert.Equal(t, "c", entries[len(entries)-1].ID)
}

func TestNew_SelectsBackend(t *testing.T) {
	idx, err := New(Config{Dimension: 4}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ExactIndex{}, idx)

	idx, err = New(Config{Backend: BackendChromem, Dimension: 4}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ChromemIndex{}, idx)

	_, err = New(Config{Dimension: 0}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Backend: "faiss", Dimension: 4}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"scaled", []float32{1, 2, 3}, []float32{2, 4, 6}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero norm", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}
