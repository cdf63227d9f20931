package memory

import "errors"

// Error taxonomy shared by the index, graph, feedback and recommendation
// layers. Callers match with errors.Is; producers wrap with context.
var (
	// ErrDimensionMismatch is returned when an embedding length differs from
	// the configured index dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrDuplicateID is returned when inserting an id that already exists.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrInvalidArgument covers non-positive top-k, out-of-range confidence in
	// strict mode, negative depth and negative feedback magnitude.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnknownNode is returned when a graph operation references a node
	// (or an edge endpoint) that does not exist.
	ErrUnknownNode = errors.New("unknown node")

	// ErrEmptyIndex is returned by recommendation when nothing is indexed.
	ErrEmptyIndex = errors.New("empty index")

	// ErrRecordNotFound is returned by record lookups on the coordinator.
	ErrRecordNotFound = errors.New("record not found")
)
