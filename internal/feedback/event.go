// Package feedback adapts edge confidences in the knowledge graph as
// positive, negative and neutral signals arrive.
package feedback

import (
	"fmt"
	"math"
	"strings"

	"github.com/fyrsmithlabs/graphfusion/internal/graph"
	"github.com/fyrsmithlabs/graphfusion/internal/memory"
)

// Signal is the polarity of a feedback event.
type Signal string

const (
	// Positive reinforces: new = old + m*(1-old).
	Positive Signal = "positive"
	// Negative weakens: new = old*(1-m).
	Negative Signal = "negative"
	// Neutral changes nothing and is only recorded in the audit log.
	Neutral Signal = "neutral"
)

// ParseSignal parses a signal name, case-insensitively.
func ParseSignal(s string) (Signal, error) {
	switch Signal(strings.ToLower(strings.TrimSpace(s))) {
	case Positive:
		return Positive, nil
	case Negative:
		return Negative, nil
	case Neutral:
		return Neutral, nil
	default:
		return "", fmt.Errorf("%w: unknown signal %q", memory.ErrInvalidArgument, s)
	}
}

// Event is a single piece of feedback targeting either one edge or one node.
// For a node target, every incoming edge of the node is adjusted, optionally
// restricted to LinkType.
type Event struct {
	Edge      *graph.EdgeKey `json:"edge,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	LinkType  string         `json:"link_type,omitempty"`
	Signal    Signal         `json:"signal"`
	Magnitude float64        `json:"magnitude"`
	// Source names where the event came from (http, mcp, nats).
	Source string `json:"source,omitempty"`
}

// ForEdge builds an event targeting a single edge.
func ForEdge(key graph.EdgeKey, signal Signal, magnitude float64) Event {
	return Event{Edge: &key, Signal: signal, Magnitude: magnitude}
}

// ForNode builds an event targeting a node's incoming edges.
func ForNode(nodeID string, signal Signal, magnitude float64) Event {
	return Event{NodeID: nodeID, Signal: signal, Magnitude: magnitude}
}

// Validate checks the event shape. Magnitude must be finite and >= 0.
func (e Event) Validate() error {
	if (e.Edge == nil) == (e.NodeID == "") {
		return fmt.Errorf("%w: exactly one of edge or node_id must be set", memory.ErrInvalidArgument)
	}
	switch e.Signal {
	case Positive, Negative, Neutral:
	default:
		return fmt.Errorf("%w: unknown signal %q", memory.ErrInvalidArgument, e.Signal)
	}
	if math.IsNaN(e.Magnitude) || math.IsInf(e.Magnitude, 0) || e.Magnitude < 0 {
		return fmt.Errorf("%w: magnitude must be a finite value >= 0, got %v", memory.ErrInvalidArgument, e.Magnitude)
	}
	return nil
}

// Target returns a human-readable description of the event target.
func (e Event) Target() string {
	if e.Edge != nil {
		return fmt.Sprintf("%s -[%s]-> %s", e.Edge.Source, e.Edge.LinkType, e.Edge.Target)
	}
	return e.NodeID
}

// Update is the effect of an event on one edge.
type Update struct {
	Key     graph.EdgeKey `json:"key"`
	Before  float64       `json:"before"`
	After   float64       `json:"after"`
	Decayed bool          `json:"decayed"`
}

// Outcome lists the edges an event changed. Neutral events and node events
// on nodes without incoming edges produce no updates.
type Outcome struct {
	EventID string   `json:"event_id"`
	Signal  Signal   `json:"signal"`
	Updates []Update `json:"updates"`
}
