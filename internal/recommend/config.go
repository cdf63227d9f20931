package recommend

import (
	"fmt"
	"math"

	"github.com/fyrsmithlabs/graphfusion/internal/memory"
)

// Config tunes the engine.
type Config struct {
	// PoolMultiplier sizes the similarity candidate pool as TopK*PoolMultiplier.
	PoolMultiplier int `koanf:"pool_multiplier"`

	// SimilarityWeight is w1 in w1*similarity + w2*path_confidence.
	SimilarityWeight float64 `koanf:"similarity_weight"`

	// PathWeight is w2.
	PathWeight float64 `koanf:"path_weight"`

	Cache CacheConfig `koanf:"cache"`
}

// CacheConfig controls the traversal cache.
type CacheConfig struct {
	Enabled bool `koanf:"enabled"`
	// MaxEntries bounds the total number of cached reached-node rows.
	MaxEntries int64 `koanf:"max_entries"`
}

// DefaultConfig returns a pool multiplier of 3 and 0.7/0.3 fusion weights.
func DefaultConfig() Config {
	return Config{
		PoolMultiplier:   3,
		SimilarityWeight: 0.7,
		PathWeight:       0.3,
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 100_000,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.PoolMultiplier < 1 {
		return fmt.Errorf("%w: pool multiplier must be >= 1, got %d", memory.ErrInvalidArgument, c.PoolMultiplier)
	}
	if err := ValidateWeights(c.SimilarityWeight, c.PathWeight); err != nil {
		return err
	}
	if c.Cache.Enabled && c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("%w: cache max entries must be positive", memory.ErrInvalidArgument)
	}
	return nil
}

// ValidateWeights checks that both weights are finite, non-negative and not
// both zero.
func ValidateWeights(similarity, path float64) error {
	if !validWeight(similarity) {
		return fmt.Errorf("%w: similarity weight must be a finite value >= 0, got %v", memory.ErrInvalidArgument, similarity)
	}
	if !validWeight(path) {
		return fmt.Errorf("%w: path weight must be a finite value >= 0, got %v", memory.ErrInvalidArgument, path)
	}
	if similarity == 0 && path == 0 {
		return fmt.Errorf("%w: weights cannot both be zero", memory.ErrInvalidArgument)
	}
	return nil
}

func validWeight(w float64) bool {
	return !math.IsNaN(w) && !math.IsInf(w, 0) && w >= 0
}
