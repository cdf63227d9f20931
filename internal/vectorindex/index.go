// Package vectorindex stores fixed-dimension embeddings keyed by record id
// and answers cosine-similarity top-k queries.
//
// Three backends are provided:
//   - ExactIndex: linear scan, exact ordering, the reference implementation
//   - ChromemIndex: chromem-go collection, optionally persisted to disk
//   - QdrantIndex: a Qdrant collection reached over gRPC
//
// All of them order matches by score descending and break ties by
// insertion order.
package vectorindex

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Backend names accepted by Config.Backend.
const (
	BackendExact   = "exact"
	BackendChromem = "chromem"
	BackendQdrant  = "qdrant"
)

// ErrInvalidConfig is returned when the index configuration is invalid.
var ErrInvalidConfig = errors.New("invalid vector index config")

// Match is a single search hit.
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Entry is an indexed embedding with its insertion sequence number.
type Entry struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding"`
	Seq       uint64    `json:"seq"`
}

// Index is the similarity index contract.
//
// Implementations are safe for concurrent use: writers are exclusive,
// readers run in parallel.
type Index interface {
	// Insert adds an embedding under id. The embedding is copied.
	Insert(id string, embedding []float32) error

	// Remove deletes id. Removing an absent id is a no-op.
	Remove(id string)

	// Search returns up to topK matches ordered by similarity descending,
	// ties broken by insertion order.
	Search(query []float32, topK int) ([]Match, error)

	// Contains reports whether id is indexed.
	Contains(id string) bool

	// Len returns the number of indexed entries.
	Len() int

	// Dimension returns the configured embedding length.
	Dimension() int

	// Entries returns copies of all entries in insertion order.
	Entries() []Entry

	// Reset removes every entry.
	Reset()
}

// Config configures index construction.
type Config struct {
	// Backend selects the implementation: "exact" (default), "chromem" or
	// "qdrant".
	Backend string `koanf:"backend"`

	// Dimension is the fixed embedding length. Required.
	Dimension int `koanf:"dimension"`

	// ChromemPath persists the chromem collection to this directory.
	// Empty keeps it in memory.
	ChromemPath string `koanf:"chromem_path"`

	// Compress gzips persisted chromem files.
	Compress bool `koanf:"compress"`

	// Collection names the chromem or Qdrant collection (default
	// "graphfusion_records").
	Collection string `koanf:"collection"`

	Qdrant QdrantConfig `koanf:"qdrant"`
}

// QdrantConfig locates the Qdrant gRPC endpoint.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	APIKey APIKey `koanf:"api_key"`
	UseTLS bool   `koanf:"use_tls"`
}

// APIKey is a backend credential that prints and serializes as
// [REDACTED].
type APIKey string

func (k APIKey) String() string {
	if k == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer for %#v.
func (k APIKey) GoString() string {
	return "APIKey([REDACTED])"
}

// Value returns the key.
func (k APIKey) Value() string {
	return string(k)
}

// MarshalText always redacts.
func (k APIKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendExact
	}
	if c.Collection == "" {
		c.Collection = "graphfusion_records"
	}
	if c.Qdrant.Port == 0 {
		c.Qdrant.Port = 6334
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	switch c.Backend {
	case BackendExact, BackendChromem:
	case BackendQdrant:
		if c.Qdrant.Host == "" {
			return fmt.Errorf("%w: qdrant.host is required for the qdrant backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	return nil
}

// New builds the index selected by cfg.Backend.
func New(cfg Config, logger *zap.Logger) (Index, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendChromem:
		return NewChromemIndex(cfg, logger)
	case BackendQdrant:
		return NewQdrantIndex(cfg, logger)
	default:
		return NewExactIndex(cfg.Dimension, logger), nil
	}
}
