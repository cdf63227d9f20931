package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/graph"
)

// AddNode creates a graph-only node for an external entity, or merges
// metadata into an existing node.
func (c *Coordinator) AddNode(ctx context.Context, id string, metadata map[string]any) (err error) {
	_, done := c.begin(ctx, "add_node")
	defer func() { done(err) }()

	if err := c.graph.AddNode(id, metadata); err != nil {
		return err
	}
	c.logger.Debug("node added", zap.String("id", id), zap.Int("metadata", len(metadata)))
	return nil
}

// Link creates or updates the edge source -[linkType]-> target.
func (c *Coordinator) Link(ctx context.Context, source, target string, confidence float64, linkType string) (edge graph.Edge, err error) {
	_, done := c.begin(ctx, "link")
	defer func() { done(err) }()

	edge, err = c.graph.AddEdge(source, target, confidence, linkType)
	if err != nil {
		return graph.Edge{}, err
	}
	c.logger.Debug("edge linked",
		zap.String("source", source),
		zap.String("target", target),
		zap.String("link_type", linkType),
		zap.Float64("confidence", edge.Confidence),
	)
	return edge, nil
}

// Unlink removes an edge. Absent edges are ignored.
func (c *Coordinator) Unlink(ctx context.Context, key graph.EdgeKey) {
	_, done := c.begin(ctx, "unlink")
	defer done(nil)

	c.graph.RemoveEdge(key)
	c.logger.Debug("edge unlinked",
		zap.String("source", key.Source),
		zap.String("target", key.Target),
		zap.String("link_type", key.LinkType),
	)
}

// Neighbors lists adjacent nodes of id.
func (c *Coordinator) Neighbors(id string, dir graph.Direction, minConfidence float64) ([]graph.Neighbor, error) {
	return c.graph.Neighbors(id, dir, minConfidence)
}

// Traverse walks the graph from start.
func (c *Coordinator) Traverse(start string, maxDepth int, minConfidence float64) ([]graph.Reached, error) {
	return c.graph.Traverse(start, maxDepth, minConfidence)
}
