package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/logging"
	"github.com/fyrsmithlabs/graphfusion/internal/memory"
)

// StoreRequest describes a new record.
type StoreRequest struct {
	Embedding  []float32      `json:"embedding"`
	Label      string         `json:"label,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	// NodeMetadata is merged into the record's graph node metadata.
	NodeMetadata map[string]any `json:"node_metadata,omitempty"`
}

// SearchHit is a similarity match with its record attached.
type SearchHit struct {
	ID     string        `json:"id"`
	Score  float64       `json:"score"`
	Record memory.Record `json:"record"`
}

// Store assigns an id, indexes the embedding and creates the record's graph
// node. Either everything succeeds or nothing changes.
func (c *Coordinator) Store(ctx context.Context, req StoreRequest) (rec memory.Record, err error) {
	ctx, done := c.begin(ctx, "store")
	defer func() { done(err) }()

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	id := c.newID()
	if err := c.index.Insert(id, req.Embedding); err != nil {
		return memory.Record{}, err
	}

	meta := make(map[string]any, len(req.NodeMetadata)+1)
	for k, v := range req.NodeMetadata {
		meta[k] = v
	}
	if req.Label != "" {
		meta["label"] = req.Label
	}
	if c.graph.HasNode(id) {
		c.index.Remove(id)
		return memory.Record{}, fmt.Errorf("%w: graph node %s already exists", memory.ErrDuplicateID, id)
	}
	if err := c.graph.AddNode(id, meta); err != nil {
		c.index.Remove(id)
		return memory.Record{}, fmt.Errorf("creating graph node: %w", err)
	}

	stored := &memory.Record{
		ID:         id,
		Embedding:  memory.CopyEmbedding(req.Embedding),
		Label:      req.Label,
		Attributes: memory.NewAttributes(req.Attributes),
		CreatedAt:  c.now(),
	}
	c.mu.Lock()
	c.records[id] = stored
	c.mu.Unlock()
	c.metrics.addRecords(ctx, 1)

	c.logger.Debug("record stored", append(logging.ContextFields(ctx),
		zap.String("id", id),
		zap.String("label", req.Label),
		zap.Int("attributes", stored.Attributes.Len()),
	)...)
	return stored.Clone(), nil
}

// Get returns a copy of the record.
func (c *Coordinator) Get(id string) (memory.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[id]
	if !ok {
		return memory.Record{}, fmt.Errorf("%w: %s", memory.ErrRecordNotFound, id)
	}
	return r.Clone(), nil
}

// PatchAttributes sets and removes attribute keys. Removals apply after sets.
func (c *Coordinator) PatchAttributes(ctx context.Context, id string, set map[string]any, remove []string) (rec memory.Record, err error) {
	_, done := c.begin(ctx, "patch_attributes")
	defer func() { done(err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[id]
	if !ok {
		return memory.Record{}, fmt.Errorf("%w: %s", memory.ErrRecordNotFound, id)
	}

	attrs := r.Attributes.Clone()
	attrs.Merge(set)
	for _, k := range remove {
		attrs.Delete(k)
	}
	r.Attributes = attrs

	c.logger.Debug("record attributes patched",
		zap.String("id", id),
		zap.Int("set", len(set)),
		zap.Int("removed", len(remove)),
	)
	return r.Clone(), nil
}

// Delete removes the record, its index entry and its graph node with every
// incident edge. Deleting an unknown id is a no-op.
func (c *Coordinator) Delete(ctx context.Context, id string) (err error) {
	ctx, done := c.begin(ctx, "delete")
	defer func() { done(err) }()

	if id == "" {
		return fmt.Errorf("%w: id is required", memory.ErrInvalidArgument)
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	_, ok := c.records[id]
	delete(c.records, id)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("delete of unknown record ignored", zap.String("id", id))
		return nil
	}

	c.index.Remove(id)
	c.graph.RemoveNode(id)
	c.metrics.addRecords(ctx, -1)

	c.logger.Debug("record deleted", zap.String("id", id))
	return nil
}

// Search returns the topK most similar records.
func (c *Coordinator) Search(ctx context.Context, embedding []float32, topK int) (hits []SearchHit, err error) {
	_, done := c.begin(ctx, "search")
	defer func() { done(err) }()

	matches, err := c.index.Search(embedding, topK)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	hits = make([]SearchHit, 0, len(matches))
	for _, m := range matches {
		r, ok := c.records[m.ID]
		if !ok {
			// Indexed before this process took ownership, e.g. a persisted
			// chromem collection without a matching snapshot.
			continue
		}
		hits = append(hits, SearchHit{ID: m.ID, Score: m.Score, Record: r.Clone()})
	}
	return hits, nil
}
