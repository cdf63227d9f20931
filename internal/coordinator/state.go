package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/graph"
	"github.com/fyrsmithlabs/graphfusion/internal/memory"
	"github.com/fyrsmithlabs/graphfusion/internal/vectorindex"
)

// StateVersion is the current export format version.
const StateVersion = 1

// State is a full export of records, graph and index order.
type State struct {
	Version    int             `json:"version"`
	Dimension  int             `json:"dimension"`
	ExportedAt time.Time       `json:"exported_at"`
	Records    []memory.Record `json:"records"`
	Nodes      []graph.Node    `json:"nodes"`
	Edges      []graph.Edge    `json:"edges"`
	// IndexOrder lists record ids in index insertion order. Empty means
	// Records order.
	IndexOrder []string `json:"index_order,omitempty"`
}

// ExportState captures a consistent copy of the whole state.
func (c *Coordinator) ExportState(ctx context.Context) State {
	_, done := c.begin(ctx, "export")
	defer done(nil)

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	entries := c.index.Entries()
	nodes, edges := c.graph.Snapshot()

	st := State{
		Version:    StateVersion,
		Dimension:  c.index.Dimension(),
		ExportedAt: c.now(),
		Nodes:      nodes,
		Edges:      edges,
		IndexOrder: make([]string, 0, len(entries)),
	}

	c.mu.RLock()
	st.Records = make([]memory.Record, 0, len(c.records))
	for _, e := range entries {
		r, ok := c.records[e.ID]
		if !ok {
			continue
		}
		st.Records = append(st.Records, r.Clone())
		st.IndexOrder = append(st.IndexOrder, e.ID)
	}
	c.mu.RUnlock()

	c.logger.Debug("state exported",
		zap.Int("records", len(st.Records)),
		zap.Int("nodes", len(st.Nodes)),
		zap.Int("edges", len(st.Edges)),
	)
	return st
}

// ImportState replaces the whole state with st.
//
// Everything is validated before live state is touched. Records without a
// graph node get one. If rebuilding the index fails the previous entries
// are restored, so a failed import leaves the coordinator as it was.
func (c *Coordinator) ImportState(ctx context.Context, st State) (err error) {
	ctx, done := c.begin(ctx, "import")
	defer func() { done(err) }()

	records, order, nodes, err := c.prepareImport(st)
	if err != nil {
		return err
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	previous := c.index.Entries()
	c.index.Reset()
	for _, id := range order {
		if err := c.index.Insert(id, records[id].Embedding); err != nil {
			c.restoreIndex(previous)
			return fmt.Errorf("rebuilding index at %s: %w", id, err)
		}
	}
	if err := c.graph.Load(nodes, st.Edges); err != nil {
		c.restoreIndex(previous)
		return fmt.Errorf("loading graph: %w", err)
	}

	c.mu.Lock()
	delta := int64(len(records) - len(c.records))
	c.records = records
	c.mu.Unlock()
	c.metrics.addRecords(ctx, delta)

	c.logger.Info("state imported",
		zap.Int("records", len(records)),
		zap.Int("nodes", len(nodes)),
		zap.Int("edges", len(st.Edges)),
	)
	return nil
}

// prepareImport validates st and returns the record map, the index
// insertion order and the node list completed with record nodes.
func (c *Coordinator) prepareImport(st State) (map[string]*memory.Record, []string, []graph.Node, error) {
	if st.Version != 0 && st.Version != StateVersion {
		return nil, nil, nil, fmt.Errorf("%w: unsupported state version %d", memory.ErrInvalidArgument, st.Version)
	}
	dim := c.index.Dimension()
	if st.Dimension != 0 && st.Dimension != dim {
		return nil, nil, nil, fmt.Errorf("%w: state dimension %d, index dimension %d", memory.ErrDimensionMismatch, st.Dimension, dim)
	}

	records := make(map[string]*memory.Record, len(st.Records))
	for _, r := range st.Records {
		if r.ID == "" {
			return nil, nil, nil, fmt.Errorf("%w: record id is required", memory.ErrInvalidArgument)
		}
		if _, dup := records[r.ID]; dup {
			return nil, nil, nil, fmt.Errorf("%w: record %s", memory.ErrDuplicateID, r.ID)
		}
		if err := memory.ValidateEmbedding(r.Embedding, dim); err != nil {
			return nil, nil, nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		clone := r.Clone()
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = c.now()
		}
		records[r.ID] = &clone
	}

	order := st.IndexOrder
	if len(order) == 0 {
		order = make([]string, len(st.Records))
		for i, r := range st.Records {
			order[i] = r.ID
		}
	}
	if len(order) != len(records) {
		return nil, nil, nil, fmt.Errorf("%w: index order lists %d ids for %d records", memory.ErrInvalidArgument, len(order), len(records))
	}
	seen := make(map[string]struct{}, len(order))
	for _, id := range order {
		if _, ok := records[id]; !ok {
			return nil, nil, nil, fmt.Errorf("%w: index order references unknown record %s", memory.ErrInvalidArgument, id)
		}
		if _, dup := seen[id]; dup {
			return nil, nil, nil, fmt.Errorf("%w: index order repeats %s", memory.ErrDuplicateID, id)
		}
		seen[id] = struct{}{}
	}

	nodes := make([]graph.Node, 0, len(st.Nodes)+len(records))
	present := make(map[string]struct{}, len(st.Nodes))
	for _, n := range st.Nodes {
		nodes = append(nodes, n)
		present[n.ID] = struct{}{}
	}
	for _, id := range order {
		if _, ok := present[id]; ok {
			continue
		}
		r := records[id]
		var meta map[string]any
		if r.Label != "" {
			meta = map[string]any{"label": r.Label}
		}
		nodes = append(nodes, graph.Node{ID: id, Metadata: meta, CreatedAt: r.CreatedAt})
	}

	// Load on the live graph must not fail after the index is rebuilt.
	if err := c.graph.Validate(nodes, st.Edges); err != nil {
		return nil, nil, nil, err
	}
	return records, order, nodes, nil
}

func (c *Coordinator) restoreIndex(entries []vectorindex.Entry) {
	c.index.Reset()
	for _, e := range entries {
		if err := c.index.Insert(e.ID, e.Embedding); err != nil {
			c.logger.Error("restoring index entry failed", zap.String("id", e.ID), zap.Error(err))
		}
	}
}
