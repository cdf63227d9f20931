package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fyrsmithlabs/graphfusion/internal/memory"
	"github.com/fyrsmithlabs/graphfusion/internal/recommend"
	"github.com/fyrsmithlabs/graphfusion/internal/telemetry"
)

func TestCoordinator_Telemetry(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	c := newCoordinator(t,
		WithMetrics(NewMetrics(tel.Meter(instrumentationName), nil)),
		WithTracer(tel.Tracer(instrumentationName)),
	)
	ctx := context.Background()

	_, err := c.Query(ctx, recommend.Request{Embedding: []float32{1, 0}, TopK: 1})
	require.ErrorIs(t, err, memory.ErrEmptyIndex)

	rec := store(t, c, []float32{1, 0}, "alpha")
	store(t, c, []float32{0, 1}, "beta")
	_, err = c.Query(ctx, recommend.Request{Embedding: []float32{1, 0}, TopK: 1})
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, rec.ID))

	stores, ok := tel.Int64Sum(t, "graphfusion.coordinator.operations_total",
		attribute.String("op", "store"), attribute.String("result", "ok"))
	require.True(t, ok)
	assert.Equal(t, int64(2), stores)

	empty, ok := tel.Int64Sum(t, "graphfusion.coordinator.operations_total",
		attribute.String("op", "query"), attribute.String("result", "empty_index"))
	require.True(t, ok)
	assert.Equal(t, int64(1), empty)

	records, ok := tel.Int64Sum(t, "graphfusion.coordinator.records")
	require.True(t, ok)
	assert.Equal(t, int64(1), records)

	tel.AssertSpanExists(t, "Coordinator.store")
	tel.AssertSpanExists(t, "Coordinator.delete")

	var failed int
	for _, s := range tel.Spans() {
		if s.Name() == "Coordinator.query" && s.Status().Code == codes.Error {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestResultOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{memory.ErrDimensionMismatch, "invalid_argument"},
		{memory.ErrUnknownNode, "not_found"},
		{memory.ErrDuplicateID, "duplicate"},
		{memory.ErrEmptyIndex, "empty_index"},
		{assert.AnError, "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resultOf(tt.err))
	}
}
