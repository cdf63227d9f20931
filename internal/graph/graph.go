// Package graph implements the knowledge graph: nodes joined by directed,
// typed, confidence-weighted edges.
//
// A single RWMutex guards the whole structure. Reads (Neighbors, Traverse,
// lookups) share the lock; mutations take it exclusively and bump Version.
package graph

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/memory"
)

// Graph is a directed multigraph keyed by (source, target, link type).
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	out   map[string]map[EdgeKey]*Edge
	in    map[string]map[EdgeKey]*Edge
	edges int

	version atomic.Uint64
	strict  bool
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Graph.
type Option func(*Graph)

// WithStrictMode makes out-of-range confidences an error instead of
// clamping them.
func WithStrictMode(strict bool) Option {
	return func(g *Graph) { g.strict = strict }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Graph) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New creates an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{
		nodes:  make(map[string]*Node),
		out:    make(map[string]map[EdgeKey]*Edge),
		in:     make(map[string]map[EdgeKey]*Edge),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// StrictMode reports whether out-of-range confidences are rejected.
func (g *Graph) StrictMode() bool {
	return g.strict
}

// Version returns a counter incremented on every successful mutation.
func (g *Graph) Version() uint64 {
	return g.version.Load()
}

// AddNode inserts a node or merges metadata into an existing one. New keys
// overwrite old ones.
func (g *Graph) AddNode(id string, metadata map[string]any) error {
	if id == "" {
		return fmt.Errorf("%w: node id is required", memory.ErrInvalidArgument)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if n, ok := g.nodes[id]; ok {
		if len(metadata) == 0 {
			return nil
		}
		if n.Metadata == nil {
			n.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			n.Metadata[k] = v
		}
		g.bump()
		return nil
	}

	g.nodes[id] = &Node{ID: id, Metadata: copyMetadata(metadata), CreatedAt: g.now()}
	g.bump()
	return nil
}

// GetNode returns a copy of the node.
func (g *Graph) GetNode(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// HasNode reports whether the node exists.
func (g *Graph) HasNode(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges
}

// RemoveNode deletes the node and every incident edge. Absent ids are
// ignored.
func (g *Graph) RemoveNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; !ok {
		return
	}
	for key := range g.out[id] {
		g.unlink(key)
	}
	for key := range g.in[id] {
		g.unlink(key)
	}
	delete(g.out, id)
	delete(g.in, id)
	delete(g.nodes, id)
	g.bump()
}

// AddEdge creates or updates the edge (source, target, linkType).
//
// Both endpoints must exist. Out-of-range confidence is clamped to [0, 1],
// or rejected with ErrInvalidArgument in strict mode. NaN is always rejected.
func (g *Graph) AddEdge(source, target string, confidence float64, linkType string) (Edge, error) {
	conf, err := g.normalizeConfidence(confidence)
	if err != nil {
		return Edge{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[source]; !ok {
		return Edge{}, fmt.Errorf("%w: %s", memory.ErrUnknownNode, source)
	}
	if _, ok := g.nodes[target]; !ok {
		return Edge{}, fmt.Errorf("%w: %s", memory.ErrUnknownNode, target)
	}

	key := EdgeKey{Source: source, Target: target, LinkType: linkType}
	if e, ok := g.out[source][key]; ok {
		e.Confidence = conf
		e.LastUpdated = g.now()
		g.bump()
		return *e, nil
	}

	e := &Edge{Source: source, Target: target, LinkType: linkType, Confidence: conf, LastUpdated: g.now()}
	g.link(e)
	g.bump()
	return *e, nil
}

// GetEdge returns a copy of the edge.
func (g *Graph) GetEdge(key EdgeKey) (Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.out[key.Source][key]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// RemoveEdge deletes the edge. Absent keys are ignored.
func (g *Graph) RemoveEdge(key EdgeKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.out[key.Source][key]; !ok {
		return
	}
	g.unlink(key)
	g.bump()
}

// Neighbors returns nodes adjacent to id in the given direction whose
// connecting edge has confidence >= minConfidence. The result is ordered by
// neighbor id then link type.
func (g *Graph) Neighbors(id string, dir Direction, minConfidence float64) ([]Neighbor, error) {
	if err := validateThreshold(minConfidence); err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", memory.ErrUnknownNode, id)
	}

	var out []Neighbor
	if dir == Outgoing || dir == Both {
		for _, e := range g.out[id] {
			if e.Confidence >= minConfidence {
				out = append(out, Neighbor{ID: e.Target, Edge: *e})
			}
		}
	}
	if dir == Incoming || dir == Both {
		for _, e := range g.in[id] {
			if e.Confidence >= minConfidence {
				out = append(out, Neighbor{ID: e.Source, Edge: *e})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		if out[i].Edge.LinkType != out[j].Edge.LinkType {
			return out[i].Edge.LinkType < out[j].Edge.LinkType
		}
		return out[i].Edge.Source < out[j].Edge.Source
	})
	return out, nil
}

// UpdateEdge atomically replaces one edge's confidence with fn(edge). The
// result is clamped to [0, 1] and LastUpdated is refreshed.
func (g *Graph) UpdateEdge(key EdgeKey, fn func(Edge) float64) (EdgeChange, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.out[key.Source][key]
	if !ok {
		if _, known := g.nodes[key.Source]; !known {
			return EdgeChange{}, fmt.Errorf("%w: %s", memory.ErrUnknownNode, key.Source)
		}
		return EdgeChange{}, fmt.Errorf("%w: no edge %s -[%s]-> %s", memory.ErrUnknownNode, key.Source, key.LinkType, key.Target)
	}

	change := g.apply(e, fn)
	g.bump()
	return change, nil
}

// UpdateIncoming applies fn to every incoming edge of nodeID under a single
// write lock. An empty linkType matches every link type. Changes are ordered
// by source id then link type.
func (g *Graph) UpdateIncoming(nodeID, linkType string, fn func(Edge) float64) ([]EdgeChange, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[nodeID]; !ok {
		return nil, fmt.Errorf("%w: %s", memory.ErrUnknownNode, nodeID)
	}

	targets := make([]*Edge, 0, len(g.in[nodeID]))
	for _, e := range g.in[nodeID] {
		if linkType == "" || e.LinkType == linkType {
			targets = append(targets, e)
		}
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Source != targets[j].Source {
			return targets[i].Source < targets[j].Source
		}
		return targets[i].LinkType < targets[j].LinkType
	})

	changes := make([]EdgeChange, 0, len(targets))
	for _, e := range targets {
		changes = append(changes, g.apply(e, fn))
	}
	if len(changes) > 0 {
		g.bump()
	}
	return changes, nil
}

// Nodes returns copies of all nodes ordered by id.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n.clone())
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges returns copies of all edges ordered by source, target, link type.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	out := make([]Edge, 0, g.edges)
	for _, m := range g.out {
		for _, e := range m {
			out = append(out, *e)
		}
	}
	g.mu.RUnlock()

	sortEdges(out)
	return out
}

// Snapshot returns copies of all nodes and edges taken under one read lock,
// ordered like Nodes and Edges.
func (g *Graph) Snapshot() ([]Node, []Edge) {
	g.mu.RLock()
	nodes := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n.clone())
	}
	edges := make([]Edge, 0, g.edges)
	for _, m := range g.out {
		for _, e := range m {
			edges = append(edges, *e)
		}
	}
	g.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	sortEdges(edges)
	return nodes, edges
}

// Load replaces the whole graph with nodes and edges, keeping their
// timestamps. Everything is validated first; on error the graph is left
// untouched.
func (g *Graph) Load(nodes []Node, edges []Edge) error {
	next, err := g.build(nodes, edges)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes, g.out, g.in, g.edges = next.nodes, next.out, next.in, next.edges
	g.bump()
	return nil
}

// Validate reports whether Load would accept nodes and edges, without
// changing the graph.
func (g *Graph) Validate(nodes []Node, edges []Edge) error {
	_, err := g.build(nodes, edges)
	return err
}

// build assembles a detached graph from nodes and edges.
func (g *Graph) build(nodes []Node, edges []Edge) (*Graph, error) {
	next := New(WithStrictMode(g.strict), WithClock(g.now), WithLogger(g.logger))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node id is required", memory.ErrInvalidArgument)
		}
		if _, dup := next.nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: node %s", memory.ErrDuplicateID, n.ID)
		}
		node := n.clone()
		if node.CreatedAt.IsZero() {
			node.CreatedAt = g.now()
		}
		next.nodes[n.ID] = &node
	}
	for _, e := range edges {
		if _, ok := next.nodes[e.Source]; !ok {
			return nil, fmt.Errorf("%w: edge source %s", memory.ErrUnknownNode, e.Source)
		}
		if _, ok := next.nodes[e.Target]; !ok {
			return nil, fmt.Errorf("%w: edge target %s", memory.ErrUnknownNode, e.Target)
		}
		if _, dup := next.out[e.Source][e.Key()]; dup {
			return nil, fmt.Errorf("%w: edge %s -[%s]-> %s", memory.ErrDuplicateID, e.Source, e.LinkType, e.Target)
		}
		conf, err := g.normalizeConfidence(e.Confidence)
		if err != nil {
			return nil, err
		}
		edge := e
		edge.Confidence = conf
		if edge.LastUpdated.IsZero() {
			edge.LastUpdated = g.now()
		}
		next.link(&edge)
	}
	return next, nil
}

// Reset removes every node and edge.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[string]*Node)
	g.out = make(map[string]map[EdgeKey]*Edge)
	g.in = make(map[string]map[EdgeKey]*Edge)
	g.edges = 0
	g.bump()
}

// apply runs fn on e and records the change. Caller holds the write lock.
func (g *Graph) apply(e *Edge, fn func(Edge) float64) EdgeChange {
	before := *e
	e.Confidence = clamp01(fn(before))
	e.LastUpdated = g.now()
	return EdgeChange{Before: before, After: *e}
}

// link indexes e in both adjacency maps. Caller holds the write lock.
func (g *Graph) link(e *Edge) {
	key := e.Key()
	if g.out[e.Source] == nil {
		g.out[e.Source] = make(map[EdgeKey]*Edge)
	}
	if g.in[e.Target] == nil {
		g.in[e.Target] = make(map[EdgeKey]*Edge)
	}
	g.out[e.Source][key] = e
	g.in[e.Target][key] = e
	g.edges++
}

// unlink removes key from both adjacency maps. Caller holds the write lock.
func (g *Graph) unlink(key EdgeKey) {
	if _, ok := g.out[key.Source][key]; !ok {
		return
	}
	delete(g.out[key.Source], key)
	delete(g.in[key.Target], key)
	g.edges--
}

// bump advances the version and refreshes gauges. Caller holds the write
// lock.
func (g *Graph) bump() {
	g.version.Add(1)
	graphNodes.Set(float64(len(g.nodes)))
	graphEdges.Set(float64(g.edges))
}

func (g *Graph) normalizeConfidence(c float64) (float64, error) {
	if math.IsNaN(c) {
		return 0, fmt.Errorf("%w: confidence is NaN", memory.ErrInvalidArgument)
	}
	if c < 0 || c > 1 {
		if g.strict {
			return 0, fmt.Errorf("%w: confidence %v outside [0, 1]", memory.ErrInvalidArgument, c)
		}
		g.logger.Debug("clamping confidence", zap.Float64("confidence", c))
		return clamp01(c), nil
	}
	return c, nil
}

func validateThreshold(minConfidence float64) error {
	if math.IsNaN(minConfidence) || minConfidence < 0 || minConfidence > 1 {
		return fmt.Errorf("%w: min confidence %v outside [0, 1]", memory.ErrInvalidArgument, minConfidence)
	}
	return nil
}

func clamp01(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.LinkType < b.LinkType
	})
}
