package graph

import (
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/graphfusion/internal/memory"
)

// Traverse walks outgoing edges from startID up to maxDepth hops, ignoring
// edges with confidence below minConfidence.
//
// Each reachable node is reported once, paired with the highest confidence
// product over all paths of at most maxDepth hops. Equal products settle on
// fewer hops, then the lexically smallest predecessor. Paths never revisit a
// node, so cycles terminate. The start node is included at hop 0 with
// confidence 1. Results are ordered by hops, then confidence descending,
// then id.
func (g *Graph) Traverse(startID string, maxDepth int, minConfidence float64) ([]Reached, error) {
	reached, _, err := g.TraverseVersioned(startID, maxDepth, minConfidence)
	return reached, err
}

// TraverseVersioned is Traverse plus the graph version the walk observed.
//
// The walk relaxes one hop per round: layer k holds the best product over
// walks of exactly k hops. Confidences are at most 1, so a walk through a
// cycle never beats the shorter path with the cycle removed, and the best
// (product, hops) pair per node is always a simple path.
func (g *Graph) TraverseVersioned(startID string, maxDepth int, minConfidence float64) ([]Reached, uint64, error) {
	if maxDepth < 0 {
		return nil, 0, fmt.Errorf("%w: depth must be >= 0, got %d", memory.ErrInvalidArgument, maxDepth)
	}
	if err := validateThreshold(minConfidence); err != nil {
		return nil, 0, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[startID]; !ok {
		return nil, 0, fmt.Errorf("%w: %s", memory.ErrUnknownNode, startID)
	}

	best := map[string]*Reached{
		startID: {ID: startID, Hops: 0, Confidence: 1},
	}
	layer := map[string]*Reached{startID: best[startID]}

	for depth := 1; depth <= maxDepth && len(layer) > 0; depth++ {
		next := make(map[string]*Reached)
		for from, r := range layer {
			for _, e := range g.out[from] {
				if e.Confidence < minConfidence || e.Target == startID {
					continue
				}
				conf := r.Confidence * e.Confidence
				cur, seen := next[e.Target]
				if !seen {
					next[e.Target] = &Reached{ID: e.Target, Hops: depth, Confidence: conf, Predecessor: from}
					continue
				}
				if conf > cur.Confidence || (conf == cur.Confidence && from < cur.Predecessor) {
					cur.Confidence = conf
					cur.Predecessor = from
				}
			}
		}

		for id, r := range next {
			// Earlier layers win equal products: fewer hops.
			if prev, ok := best[id]; !ok || r.Confidence > prev.Confidence {
				best[id] = r
			}
		}
		layer = next
	}

	out := make([]Reached, 0, len(best))
	for _, r := range best {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hops != out[j].Hops {
			return out[i].Hops < out[j].Hops
		}
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out, g.version.Load(), nil
}
