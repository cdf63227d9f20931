package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/feedback"
	"github.com/fyrsmithlabs/graphfusion/internal/logging"
	"github.com/fyrsmithlabs/graphfusion/internal/memory"
	"github.com/fyrsmithlabs/graphfusion/internal/recommend"
)

// Result is a recommendation enriched with the stored record, or with the
// node metadata for graph-only entities.
type Result struct {
	recommend.Recommendation
	Record   *memory.Record `json:"record,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Query runs the recommendation engine and attaches records.
func (c *Coordinator) Query(ctx context.Context, req recommend.Request) (results []Result, err error) {
	ctx, done := c.begin(ctx, "query")
	defer func() { done(err) }()

	recs, err := c.engine.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	results = make([]Result, len(recs))
	c.mu.RLock()
	for i, rec := range recs {
		results[i].Recommendation = rec
		if r, ok := c.records[rec.ID]; ok {
			clone := r.Clone()
			results[i].Record = &clone
		}
	}
	c.mu.RUnlock()

	for i := range results {
		if results[i].Record != nil {
			continue
		}
		if n, ok := c.graph.GetNode(results[i].ID); ok {
			results[i].Metadata = n.Metadata
		}
	}

	c.logger.Debug("query served", append(logging.ContextFields(ctx),
		zap.Int("top_k", req.TopK),
		zap.Int("graph_depth", req.GraphDepth),
		zap.Int("results", len(results)),
	)...)
	return results, nil
}

// Feedback applies a feedback event through the policy.
func (c *Coordinator) Feedback(ctx context.Context, ev feedback.Event) (out feedback.Outcome, err error) {
	ctx, done := c.begin(ctx, "feedback")
	defer func() { done(err) }()

	out, err = c.policy.Apply(ctx, c.graph, ev)
	if err != nil {
		c.logger.Debug("feedback rejected", zap.String("target", ev.Target()), zap.Error(err))
		return feedback.Outcome{}, err
	}
	return out, nil
}

// FeedbackRecord applies feedback to every incoming edge of a stored
// record's node.
func (c *Coordinator) FeedbackRecord(ctx context.Context, id string, signal feedback.Signal, magnitude float64) (feedback.Outcome, error) {
	c.mu.RLock()
	_, ok := c.records[id]
	c.mu.RUnlock()
	if !ok {
		return feedback.Outcome{}, fmt.Errorf("%w: %s", memory.ErrRecordNotFound, id)
	}
	return c.Feedback(ctx, feedback.ForNode(id, signal, magnitude))
}
