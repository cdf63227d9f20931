package coordinator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/memory"
)

const instrumentationName = "github.com/fyrsmithlabs/graphfusion/internal/coordinator"

// Metrics holds coordinator operation metrics.
type Metrics struct {
	meter      metric.Meter
	logger     *zap.Logger
	operations metric.Int64Counter
	duration   metric.Float64Histogram
	records    metric.Int64UpDownCounter
}

// NewMetrics creates metrics on meter, or on the global meter provider when
// meter is nil.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  meter,
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.operations, err = m.meter.Int64Counter(
		"graphfusion.coordinator.operations_total",
		metric.WithDescription("Total number of coordinator operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		m.logger.Warn("failed to create operations counter", zap.Error(err))
	}

	m.duration, err = m.meter.Float64Histogram(
		"graphfusion.coordinator.duration_seconds",
		metric.WithDescription("Duration of coordinator operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.records, err = m.meter.Int64UpDownCounter(
		"graphfusion.coordinator.records",
		metric.WithDescription("Number of stored records"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		m.logger.Warn("failed to create records gauge", zap.Error(err))
	}
}

// record observes one operation.
func (m *Metrics) record(ctx context.Context, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("result", resultOf(err)),
	}
	if m.operations != nil {
		m.operations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("op", op)))
	}
}

func (m *Metrics) addRecords(ctx context.Context, delta int64) {
	if m == nil || m.records == nil || delta == 0 {
		return
	}
	m.records.Add(ctx, delta)
}

// resultOf maps an error to a low-cardinality label.
func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, memory.ErrInvalidArgument), errors.Is(err, memory.ErrDimensionMismatch):
		return "invalid_argument"
	case errors.Is(err, memory.ErrRecordNotFound), errors.Is(err, memory.ErrUnknownNode):
		return "not_found"
	case errors.Is(err, memory.ErrDuplicateID):
		return "duplicate"
	case errors.Is(err, memory.ErrEmptyIndex):
		return "empty_index"
	default:
		return "internal_error"
	}
}
