// Package memory defines the stored record type and the error taxonomy used
// across graphfusion.
package memory

import (
	"fmt"
	"math"
	"time"
)

// Record is a stored memory: an embedding tied to a structured payload.
//
// The embedding is fixed length and never mutated in place. Only the
// attributes may change after creation.
type Record struct {
	ID         string      `json:"id"`
	Embedding  []float32   `json:"embedding"`
	Label      string      `json:"label,omitempty"`
	Attributes *Attributes `json:"attributes"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Clone returns a deep copy of the embedding and a shallow copy of the
// attributes.
func (r Record) Clone() Record {
	out := r
	out.Embedding = CopyEmbedding(r.Embedding)
	out.Attributes = r.Attributes.Clone()
	return out
}

// CopyEmbedding returns a private copy of v.
func CopyEmbedding(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

// ValidateEmbedding checks that v has the given dimension and only finite
// components.
func ValidateEmbedding(v []float32, dimension int) error {
	if len(v) != dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dimension)
	}
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("%w: component %d is not finite", ErrInvalidArgument, i)
		}
	}
	return nil
}
