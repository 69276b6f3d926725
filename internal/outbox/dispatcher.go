package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Consumer receives dispatched events. Consumers must be idempotent on the
// event's idempotency key: delivery is at-least-once.
type Consumer interface {
	Name() string
	Consume(ctx context.Context, event Event) error
}

// DispatcherConfig tunes the delivery loop.
type DispatcherConfig struct {
	BatchSize      int
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	PollInterval   time.Duration
}

// DefaultDispatcherConfig returns production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:      50,
		MaxAttempts:    8,
		BaseBackoff:    2 * time.Second,
		MaxBackoff:     5 * time.Minute,
		AttemptTimeout: 10 * time.Second,
		PollInterval:   5 * time.Second,
	}
}

func (c DispatcherConfig) normalised() DispatcherConfig {
	def := DefaultDispatcherConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	return c
}

// Metrics receives dispatch outcomes. Implemented by observability.
type Metrics interface {
	EventDispatched(eventType string)
	EventDeadLettered(eventType string)
}

// Dispatcher delivers pending events to the registered consumers. Multiple
// dispatchers may run concurrently; the repository's row locks keep any one
// event on a single worker at a time.
type Dispatcher struct {
	repo      Repository
	mandatory []Consumer
	optional  []Consumer
	cfg       DispatcherConfig
	logger    *slog.Logger
	metrics   Metrics
	now       func() time.Time
}

// NewDispatcher constructs a dispatcher. At least one mandatory consumer
// (the audit log) must be registered before Run or RunCycle is called.
func NewDispatcher(repo Repository, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{repo: repo, cfg: cfg.normalised(), logger: logger, now: time.Now}
}

// WithMetrics attaches dispatch metrics.
func (d *Dispatcher) WithMetrics(metrics Metrics) *Dispatcher {
	d.metrics = metrics
	return d
}

// WithNow overrides the clock, for tests.
func (d *Dispatcher) WithNow(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

// RegisterMandatory adds a consumer whose acknowledgement is required before
// an event counts as dispatched.
func (d *Dispatcher) RegisterMandatory(consumer Consumer) {
	d.mandatory = append(d.mandatory, consumer)
}

// RegisterOptional adds a best-effort consumer. Its failures are logged but
// never delay or dead-letter an event.
func (d *Dispatcher) RegisterOptional(consumer Consumer) {
	d.optional = append(d.optional, consumer)
}

// CycleResult summarises one dispatch cycle.
type CycleResult struct {
	Claimed      int
	Dispatched   int
	Failed       int
	DeadLettered int
}

// RunCycle claims one batch and attempts delivery. Safe to invoke from
// several workers at once.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleResult, error) {
	if len(d.mandatory) == 0 {
		return CycleResult{}, fmt.Errorf("outbox: no mandatory consumer registered")
	}
	var result CycleResult
	err := d.repo.WithPending(ctx, d.cfg.BatchSize, d.now(), func(ctx context.Context, tx TxRepository, events []Event) error {
		result.Claimed = len(events)
		for _, event := range events {
			if err := d.deliver(ctx, event); err != nil {
				attempts := event.Attempts + 1
				if attempts >= d.cfg.MaxAttempts {
					if markErr := tx.MarkDeadLettered(ctx, event.ID, attempts, err.Error()); markErr != nil {
						return markErr
					}
					result.DeadLettered++
					if d.metrics != nil {
						d.metrics.EventDeadLettered(event.EventType)
					}
					d.logger.Error("outbox event dead-lettered",
						slog.String("event_id", event.ID.String()),
						slog.String("event_type", event.EventType),
						slog.Int("attempts", attempts),
						slog.Any("error", err))
					continue
				}
				next := d.now().Add(d.backoff(attempts))
				if markErr := tx.MarkFailed(ctx, event.ID, attempts, next, err.Error()); markErr != nil {
					return markErr
				}
				result.Failed++
				d.logger.Warn("outbox delivery failed",
					slog.String("event_id", event.ID.String()),
					slog.String("event_type", event.EventType),
					slog.Int("attempts", attempts),
					slog.Any("error", err))
				continue
			}
			if err := tx.MarkDispatched(ctx, event.ID, d.now()); err != nil {
				return err
			}
			result.Dispatched++
			if d.metrics != nil {
				d.metrics.EventDispatched(event.EventType)
			}
			d.deliverOptional(ctx, event)
		}
		return nil
	})
	return result, err
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.RunCycle(ctx); err != nil {
				d.logger.Error("outbox dispatch cycle", slog.Any("error", err))
			}
		}
	}
}

// deliver synchronously delivers event to every mandatory consumer under the
// per-attempt timeout. Any failure fails the whole attempt; consumers are
// idempotent so redelivery to the ones that already acknowledged is safe.
func (d *Dispatcher) deliver(ctx context.Context, event Event) error {
	for _, consumer := range d.mandatory {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		err := consumer.Consume(attemptCtx, event)
		cancel()
		if err != nil {
			return fmt.Errorf("consumer %s: %w", consumer.Name(), err)
		}
	}
	return nil
}

func (d *Dispatcher) deliverOptional(ctx context.Context, event Event) {
	for _, consumer := range d.optional {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		err := consumer.Consume(attemptCtx, event)
		cancel()
		if err != nil {
			d.logger.Warn("optional consumer failed",
				slog.String("consumer", consumer.Name()),
				slog.String("event_id", event.ID.String()),
				slog.Any("error", err))
		}
	}
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	backoff := d.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	if backoff > d.cfg.MaxBackoff {
		return d.cfg.MaxBackoff
	}
	return backoff
}
