package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	graphNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "graphfusion",
		Subsystem: "graph",
		Name:      "nodes",
		Help:      "Number of nodes in the knowledge graph.",
	})

	graphEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "graphfusion",
		Subsystem: "graph",
		Name:      "edges",
		Help:      "Number of edges in the knowledge graph.",
	})
)
