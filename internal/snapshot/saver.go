package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/coordinator"
)

// Exporter produces the state to save.
type Exporter interface {
	ExportState(ctx context.Context) coordinator.State
}

// BreakerConfig tunes the circuit breaker around saves.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval after which closed-state counts reset.
	Interval time.Duration
	// Timeout before an open breaker goes half-open.
	Timeout time.Duration
	// ConsecutiveFailures that trip the breaker.
	ConsecutiveFailures uint32
}

// SaverConfig configures a Saver.
type SaverConfig struct {
	// Interval between periodic saves. Zero disables the loop; Run then only
	// saves on shutdown.
	Interval time.Duration
	Breaker  BreakerConfig
}

// DefaultSaverConfig saves every minute and trips after three failures.
func DefaultSaverConfig() SaverConfig {
	return SaverConfig{
		Interval: time.Minute,
		Breaker: BreakerConfig{
			MaxRequests:         1,
			Interval:            5 * time.Minute,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 3,
		},
	}
}

// ErrBreakerOpen is returned by SaveNow while saves are suspended.
var ErrBreakerOpen = errors.New("snapshot saves suspended")

// Saver writes snapshots of an Exporter to a Store.
type Saver struct {
	store    Store
	source   Exporter
	interval time.Duration
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewSaver creates a saver.
func NewSaver(store Store, source Exporter, cfg SaverConfig, logger *zap.Logger) *Saver {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.Breaker.ConsecutiveFailures
	if threshold == 0 {
		threshold = 1
	}
	s := &Saver{
		store:    store,
		source:   source,
		interval: cfg.Interval,
		logger:   logger,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "snapshot",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// A cancelled save says nothing about the store's health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return s
}

// State returns the breaker state.
func (s *Saver) State() gobreaker.State {
	return s.breaker.State()
}

// SaveNow exports and saves the current state once.
func (s *Saver) SaveNow(ctx context.Context) error {
	start := time.Now()
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.store.Save(ctx, s.source.ExportState(ctx))
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	}
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	s.logger.Debug("snapshot written", zap.Duration("took", time.Since(start)))
	return nil
}

// Run saves every interval until ctx is done, then saves a final time
// with a fresh context bounded by finalTimeout.
func (s *Saver) Run(ctx context.Context, finalTimeout time.Duration) {
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				if err := s.SaveNow(ctx); err != nil {
					s.logger.Warn("periodic snapshot failed", zap.Error(err))
				}
			}
		}
	} else {
		<-ctx.Done()
	}

	final, cancel := context.WithTimeout(context.Background(), finalTimeout)
	defer cancel()
	if err := s.SaveNow(final); err != nil {
		s.logger.Error("final snapshot failed", zap.Error(err))
		return
	}
	s.logger.Info("final snapshot written")
}
