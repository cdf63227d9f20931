// Package feedbackbus feeds feedback events arriving on NATS into the
// coordinator and publishes what each event changed.
//
// Subjects, for a prefix p:
//
//	p.feedback          inbound feedback events (JSON feedback.Event)
//	p.feedback.applied  outbound results (JSON Applied)
//
// An inbound message with a reply subject also gets the result as a reply.
package feedbackbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/graphfusion/internal/feedback"
)

// Applier applies a feedback event. *coordinator.Coordinator implements it.
type Applier interface {
	Feedback(ctx context.Context, ev feedback.Event) (feedback.Outcome, error)
}

// Config configures a Bridge.
type Config struct {
	// Prefix is the subject prefix.
	Prefix string
	// Queue is the queue group, so several daemons can share one stream of
	// events. Empty means every subscriber sees every event.
	Queue string
	// RateLimit is the maximum events applied per second. Zero means
	// unlimited.
	RateLimit float64
	// Burst is the limiter burst size.
	Burst int
	// Buffer is the inbound channel size.
	Buffer int
}

// DefaultConfig returns the default bridge settings.
func DefaultConfig() Config {
	return Config{
		Prefix:    "graphfusion",
		Queue:     "graphfusion-feedback",
		RateLimit: 200,
		Burst:     50,
		Buffer:    1024,
	}
}

// FeedbackSubject returns the inbound subject for prefix.
func FeedbackSubject(prefix string) string {
	return strings.TrimSuffix(prefix, ".") + ".feedback"
}

// AppliedSubject returns the outbound subject for prefix.
func AppliedSubject(prefix string) string {
	return FeedbackSubject(prefix) + ".applied"
}

// Applied reports the result of one inbound event.
type Applied struct {
	Event   *feedback.Event   `json:"event,omitempty"`
	Outcome *feedback.Outcome `json:"outcome,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Bridge consumes feedback events from NATS.
type Bridge struct {
	nc      *nats.Conn
	applier Applier
	config  Config
	limiter *rate.Limiter
	logger  *zap.Logger

	mu     sync.Mutex
	sub    *nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup

	applied  atomic.Uint64
	rejected atomic.Uint64
}

// NewBridge creates a bridge. Call Start to begin consuming.
func NewBridge(nc *nats.Conn, applier Applier, cfg Config, logger *zap.Logger) (*Bridge, error) {
	if nc == nil {
		return nil, errors.New("nats connection cannot be nil")
	}
	if applier == nil {
		return nil, errors.New("applier cannot be nil")
	}
	if cfg.Prefix == "" {
		return nil, errors.New("subject prefix is required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Bridge{
		nc:      nc,
		applier: applier,
		config:  cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

// Start subscribes and processes events in the background until ctx is
// done or Stop is called.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return errors.New("bridge already started")
	}

	msgs := make(chan *nats.Msg, b.config.Buffer)
	subject := FeedbackSubject(b.config.Prefix)

	var (
		sub *nats.Subscription
		err error
	)
	if b.config.Queue != "" {
		sub, err = b.nc.ChanQueueSubscribe(subject, b.config.Queue, msgs)
	} else {
		sub, err = b.nc.ChanSubscribe(subject, msgs)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	// Make sure the server knows about the subscription before returning.
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.sub = sub
	b.cancel = cancel

	b.wg.Add(1)
	go b.loop(ctx, msgs)

	b.logger.Info("feedback bridge started",
		zap.String("subject", subject),
		zap.String("queue", b.config.Queue),
		zap.Float64("rate_limit", b.config.RateLimit),
	)
	return nil
}

// Stop unsubscribes and waits for in-flight events.
func (b *Bridge) Stop() {
	b.mu.Lock()
	sub, cancel := b.sub, b.cancel
	b.sub, b.cancel = nil, nil
	b.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.logger.Warn("unsubscribe failed", zap.Error(err))
	}
	cancel()
	b.wg.Wait()
	b.logger.Info("feedback bridge stopped",
		zap.Uint64("applied", b.applied.Load()),
		zap.Uint64("rejected", b.rejected.Load()),
	)
}

// Counts returns the number of applied and rejected events.
func (b *Bridge) Counts() (applied, rejected uint64) {
	return b.applied.Load(), b.rejected.Load()
}

func (b *Bridge) loop(ctx context.Context, msgs <-chan *nats.Msg) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-msgs:
			if err := b.limiter.Wait(ctx); err != nil {
				return
			}
			b.handle(ctx, msg)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, msg *nats.Msg) {
	var result Applied

	ev, err := decodeEvent(msg.Data)
	if err == nil {
		result.Event = &ev
		var out feedback.Outcome
		out, err = b.applier.Feedback(ctx, ev)
		if err == nil {
			result.Outcome = &out
		}
	}
	if err != nil {
		result.Error = err.Error()
		b.rejected.Add(1)
		b.logger.Debug("feedback event rejected", zap.String("subject", msg.Subject), zap.Error(err))
	} else {
		b.applied.Add(1)
	}

	data, err := json.Marshal(result)
	if err != nil {
		b.logger.Error("encode applied result", zap.Error(err))
		return
	}
	if err := b.nc.Publish(AppliedSubject(b.config.Prefix), data); err != nil {
		b.logger.Warn("publish applied result", zap.Error(err))
	}
	if msg.Reply != "" {
		if err := msg.Respond(data); err != nil {
			b.logger.Warn("respond to feedback request", zap.Error(err))
		}
	}
}

// decodeEvent parses an inbound event. Signals are matched
// case-insensitively and the source defaults to "nats".
func decodeEvent(data []byte) (feedback.Event, error) {
	var ev feedback.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return feedback.Event{}, fmt.Errorf("decode feedback event: %w", err)
	}
	sig, err := feedback.ParseSignal(string(ev.Signal))
	if err != nil {
		return feedback.Event{}, err
	}
	ev.Signal = sig
	if ev.Source == "" {
		ev.Source = "nats"
	}
	return ev, nil
}

// Publish sends a feedback event to the bridge subject for prefix.
func Publish(nc *nats.Conn, prefix string, ev feedback.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode feedback event: %w", err)
	}
	if err := nc.Publish(FeedbackSubject(prefix), data); err != nil {
		return fmt.Errorf("publish feedback event: %w", err)
	}
	return nil
}
