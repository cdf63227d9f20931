package feedback

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphfusion/internal/graph"
	"github.com/fyrsmithlabs/graphfusion/internal/memory"
)

// timeNow is the clock used by policies. Tests replace it.
var timeNow = time.Now

// Policy turns feedback events into confidence updates.
type Policy interface {
	Apply(ctx context.Context, g *graph.Graph, ev Event) (Outcome, error)
}

// Config tunes AdaptivePolicy.
type Config struct {
	// StalenessWindow is how long an edge may go without an update before
	// passive decay applies. Zero disables staleness decay.
	StalenessWindow time.Duration `koanf:"staleness_window"`

	// DecayFactor multiplies the confidence of a stale edge before the
	// event's own adjustment. Must be in [0, 1].
	DecayFactor float64 `koanf:"decay_factor"`

	// AuditCapacity bounds the in-memory audit log.
	AuditCapacity int `koanf:"audit_capacity"`
}

// DefaultConfig returns the default policy settings.
func DefaultConfig() Config {
	return Config{
		StalenessWindow: 30 * 24 * time.Hour,
		DecayFactor:     0.9,
		AuditCapacity:   1024,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.StalenessWindow < 0 {
		return fmt.Errorf("%w: staleness window must be >= 0", memory.ErrInvalidArgument)
	}
	if math.IsNaN(c.DecayFactor) || c.DecayFactor < 0 || c.DecayFactor > 1 {
		return fmt.Errorf("%w: decay factor must be in [0, 1], got %v", memory.ErrInvalidArgument, c.DecayFactor)
	}
	if c.AuditCapacity < 0 {
		return fmt.Errorf("%w: audit capacity must be >= 0", memory.ErrInvalidArgument)
	}
	return nil
}

// AdaptivePolicy reinforces or weakens edges proportionally to the distance
// from the bound they move toward:
//
//	positive: new = old + m*(1-old)
//	negative: new = old*(1-m)
//
// Magnitudes above 1 are treated as 1. If an edge has not been updated for
// longer than the staleness window, its confidence is first multiplied by
// the decay factor. Only the targeted edges change.
type AdaptivePolicy struct {
	config Config
	audit  *AuditLog
	logger *zap.Logger
}

// NewAdaptivePolicy creates a policy. A nil logger disables logging.
func NewAdaptivePolicy(cfg Config, logger *zap.Logger) (*AdaptivePolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdaptivePolicy{
		config: cfg,
		audit:  NewAuditLog(cfg.AuditCapacity),
		logger: logger,
	}, nil
}

// Audit returns the policy's audit log.
func (p *AdaptivePolicy) Audit() *AuditLog {
	return p.audit
}

// Apply implements Policy.
func (p *AdaptivePolicy) Apply(ctx context.Context, g *graph.Graph, ev Event) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return Outcome{}, err
	}

	now := timeNow()
	outcome := Outcome{EventID: uuid.New().String(), Signal: ev.Signal}

	if ev.Signal == Neutral {
		if err := p.checkTarget(g, ev); err != nil {
			return Outcome{}, err
		}
		p.record(outcome, ev, now)
		p.logger.Debug("neutral feedback recorded", zap.String("target", ev.Target()))
		return outcome, nil
	}

	m := math.Min(ev.Magnitude, 1)
	adjust := func(e graph.Edge) float64 {
		c := e.Confidence
		if p.isStale(e, now) {
			c *= p.config.DecayFactor
		}
		if ev.Signal == Positive {
			return c + m*(1-c)
		}
		return c * (1 - m)
	}

	var changes []graph.EdgeChange
	if ev.Edge != nil {
		change, err := g.UpdateEdge(*ev.Edge, adjust)
		if err != nil {
			return Outcome{}, err
		}
		changes = []graph.EdgeChange{change}
	} else {
		var err error
		changes, err = g.UpdateIncoming(ev.NodeID, ev.LinkType, adjust)
		if err != nil {
			return Outcome{}, err
		}
	}

	outcome.Updates = make([]Update, len(changes))
	for i, ch := range changes {
		outcome.Updates[i] = Update{
			Key:     ch.After.Key(),
			Before:  ch.Before.Confidence,
			After:   ch.After.Confidence,
			Decayed: p.isStale(ch.Before, now),
		}
	}
	p.record(outcome, ev, now)

	p.logger.Debug("feedback applied",
		zap.String("event_id", outcome.EventID),
		zap.String("signal", string(ev.Signal)),
		zap.Float64("magnitude", m),
		zap.String("target", ev.Target()),
		zap.Int("updates", len(outcome.Updates)),
	)
	return outcome, nil
}

func (p *AdaptivePolicy) isStale(e graph.Edge, now time.Time) bool {
	return p.config.StalenessWindow > 0 && now.Sub(e.LastUpdated) > p.config.StalenessWindow
}

// checkTarget verifies a neutral event points at something that exists.
func (p *AdaptivePolicy) checkTarget(g *graph.Graph, ev Event) error {
	if ev.Edge != nil {
		if _, ok := g.GetEdge(*ev.Edge); !ok {
			return fmt.Errorf("%w: no edge %s", memory.ErrUnknownNode, ev.Target())
		}
		return nil
	}
	if !g.HasNode(ev.NodeID) {
		return fmt.Errorf("%w: %s", memory.ErrUnknownNode, ev.NodeID)
	}
	return nil
}

func (p *AdaptivePolicy) record(o Outcome, ev Event, at time.Time) {
	p.audit.Append(AuditEntry{
		ID:      o.EventID,
		At:      at,
		Event:   ev,
		Updates: o.Updates,
	})
}
