package vectorindex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	indexEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "graphfusion",
		Subsystem: "vectorindex",
		Name:      "entries",
		Help:      "Number of embeddings currently indexed.",
	}, []string{"backend"})

	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "graphfusion",
		Subsystem: "vectorindex",
		Name:      "search_duration_seconds",
		Help:      "Similarity search latency.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"backend"})

	indexOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "graphfusion",
		Subsystem: "vectorindex",
		Name:      "operations_total",
		Help:      "Index operations by backend, operation and result.",
	}, []string{"backend", "op", "result"})
)
