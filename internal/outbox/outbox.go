// Package outbox hands matching results to persistence and subscribers
// without blocking the engine on I/O.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/pubsub"
)

// Envelope is everything one engine operation needs persisted and
// announced. Writes are applied in order before the events go out.
type Envelope struct {
	Writes     []Write
	Events     []pubsub.Event
	Invalidate []string // market ids whose cached documents are stale
}

// Empty reports whether the envelope carries nothing.
func (e Envelope) Empty() bool {
	return len(e.Writes) == 0 && len(e.Events) == 0 && len(e.Invalidate) == 0
}

// Config tunes the outbox.
type Config struct {
	QueueSize     int
	MaxAttempts   int
	RetryBackoff  time.Duration
	SweepInterval time.Duration
}

type deadLetter struct {
	writes []Write
	failed int // sweep attempts so far
}

// Outbox is a bounded queue drained by one worker. Failed writes are
// retried with backoff behind a circuit breaker; writes that still fail
// are parked and retried by a sweeper.
type Outbox struct {
	cfg       Config
	store     domain.Persistence
	publisher pubsub.Publisher
	cache     pubsub.MarketCache
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger

	queue   chan Envelope
	stopped chan struct{}
	once    sync.Once

	mu   sync.Mutex // protects dead
	dead []deadLetter
}

// New creates an Outbox. Run must be started for envelopes to drain.
func New(cfg Config, store domain.Persistence, publisher pubsub.Publisher, cache pubsub.MarketCache, logger *slog.Logger) *Outbox {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cache == nil {
		cache = pubsub.NopMarketCache{}
	}
	logger = logger.With(slog.String("component", "outbox"))

	return &Outbox{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		cache:     cache,
		breaker:   newBreaker(logger),
		logger:    logger,
		queue:     make(chan Envelope, cfg.QueueSize),
		stopped:   make(chan struct{}),
	}
}

func newBreaker(logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "persistence",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

// Submit queues an envelope. It blocks only while the queue is full and
// returns ErrPersistenceUnavailable once the outbox has stopped.
func (o *Outbox) Submit(ctx context.Context, env Envelope) error {
	if env.Empty() {
		return nil
	}
	select {
	case <-o.stopped:
		return domain.ErrPersistenceUnavailable
	default:
	}
	select {
	case o.queue <- env:
		return nil
	case <-o.stopped:
		return domain.ErrPersistenceUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue and sweeps dead letters until ctx is cancelled.
// Envelopes still queued at that point are flushed without retries.
func (o *Outbox) Run(ctx context.Context) error {
	sweep := time.NewTicker(o.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			o.stop()
			o.flush()
			return nil
		case env := <-o.queue:
			o.process(ctx, env)
		case <-sweep.C:
			o.Sweep(ctx)
		}
	}
}

func (o *Outbox) stop() {
	o.once.Do(func() { close(o.stopped) })
}

func (o *Outbox) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case env := <-o.queue:
			o.process(ctx, env)
		default:
			return
		}
	}
}

func (o *Outbox) process(ctx context.Context, env Envelope) {
	for i, w := range env.Writes {
		if err := o.applyWithRetry(ctx, w); err != nil {
			o.logger.Error("write parked for retry",
				slog.String("write", w.Name),
				slog.Int("pending", len(env.Writes)-i),
				slog.String("error", err.Error()),
			)
			o.park(env.Writes[i:])
			break
		}
	}

	for _, id := range env.Invalidate {
		if err := o.cache.Invalidate(ctx, id); err != nil {
			o.logger.Warn("cache invalidation failed", slog.String("market_id", id), slog.String("error", err.Error()))
		}
	}

	if o.publisher == nil {
		return
	}
	for _, ev := range env.Events {
		payload, err := ev.Encode()
		if err != nil {
			o.logger.Error("event dropped", slog.String("error", err.Error()))
			continue
		}
		if err := o.publisher.Publish(ctx, ev.Channel, payload); err != nil {
			o.logger.Warn("publish failed", slog.String("channel", ev.Channel), slog.String("error", err.Error()))
		}
	}
}

func (o *Outbox) apply(ctx context.Context, w Write) error {
	_, err := o.breaker.Execute(func() (interface{}, error) {
		return nil, w.Apply(ctx, o.store)
	})
	return err
}

func (o *Outbox) applyWithRetry(ctx context.Context, w Write) error {
	var err error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if err = o.apply(ctx, w); err == nil {
			return nil
		}
		if attempt == o.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", w.Name, o.cfg.MaxAttempts, err)
}

func (o *Outbox) park(writes []Write) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dead = append(o.dead, deadLetter{writes: writes})
}

// Sweep retries every parked write sequence once, in order. It returns
// the number of sequences still parked.
func (o *Outbox) Sweep(ctx context.Context) int {
	o.mu.Lock()
	pending := o.dead
	o.dead = nil
	o.mu.Unlock()

	var still []deadLetter
	for _, dl := range pending {
		n := 0
		for n < len(dl.writes) {
			if err := o.apply(ctx, dl.writes[n]); err != nil {
				if !errors.Is(err, gobreaker.ErrOpenState) {
					o.logger.Warn("dead letter retry failed",
						slog.String("write", dl.writes[n].Name),
						slog.Int("sweeps", dl.failed+1),
						slog.String("error", err.Error()),
					)
				}
				break
			}
			n++
		}
		if n < len(dl.writes) {
			still = append(still, deadLetter{writes: dl.writes[n:], failed: dl.failed + 1})
		}
	}

	o.mu.Lock()
	o.dead = append(still, o.dead...)
	left := len(o.dead)
	o.mu.Unlock()
	return left
}

// DeadLetters returns the number of parked write sequences.
func (o *Outbox) DeadLetters() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.dead)
}
