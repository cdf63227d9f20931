package graph

import "time"

// Direction selects which edges Neighbors follows.
type Direction int

const (
	// Outgoing follows edges whose source is the node.
	Outgoing Direction = iota
	// Incoming follows edges whose target is the node.
	Incoming
	// Both follows edges in either direction.
	Both
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Both:
		return "both"
	default:
		return "unknown"
	}
}

// ParseDirection parses "outgoing", "incoming" or "both". The empty string
// means outgoing.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "", "outgoing", "out":
		return Outgoing, true
	case "incoming", "in":
		return Incoming, true
	case "both":
		return Both, true
	default:
		return Outgoing, false
	}
}

// Node is a vertex. Its id matches a record id for stored memories or
// names an external entity.
type Node struct {
	ID        string         `json:"id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// EdgeKey identifies an edge. At most one edge exists per key.
type EdgeKey struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	LinkType string `json:"link_type"`
}

// Edge is a directed, typed relation with a confidence in [0, 1].
type Edge struct {
	Source      string    `json:"source"`
	Target      string    `json:"target"`
	LinkType    string    `json:"link_type"`
	Confidence  float64   `json:"confidence"`
	LastUpdated time.Time `json:"last_updated"`
}

// Key returns the edge's identity.
func (e Edge) Key() EdgeKey {
	return EdgeKey{Source: e.Source, Target: e.Target, LinkType: e.LinkType}
}

// Neighbor is an adjacent node and the edge connecting it.
type Neighbor struct {
	ID   string `json:"id"`
	Edge Edge   `json:"edge"`
}

// Reached is a node found by Traverse.
type Reached struct {
	ID string `json:"id"`
	// Hops is the length of the chosen path; 0 for the start node.
	Hops int `json:"hops"`
	// Confidence is the product of edge confidences along the chosen path;
	// 1 for the start node.
	Confidence float64 `json:"confidence"`
	// Predecessor is the previous node on the chosen path.
	Predecessor string `json:"predecessor,omitempty"`
}

// EdgeChange pairs an edge's state before and after an update.
type EdgeChange struct {
	Before Edge `json:"before"`
	After  Edge `json:"after"`
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (n *Node) clone() Node {
	return Node{ID: n.ID, Metadata: copyMetadata(n.Metadata), CreatedAt: n.CreatedAt}
}
