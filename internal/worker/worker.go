// Package worker redelivers usage events left in the outbox after a failed
// or interrupted report.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/vnmchuo/moneta/internal/lago"
	"github.com/vnmchuo/moneta/internal/metrics"
	"github.com/vnmchuo/moneta/internal/usage"
)

// DeliverFunc sends one event and records its result. usage.Reporter.Deliver
// satisfies it.
type DeliverFunc func(ctx context.Context, ev *usage.Event) error

type Config struct {
	Interval    time.Duration
	Grace       time.Duration // events younger than this still belong to the inline report
	BatchSize   int
	MaxAttempts int // drain runs before an event is dead-lettered
	Tries       uint
	RunTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Grace < 0 {
		c.Grace = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 20
	}
	if c.Tries == 0 {
		c.Tries = 3
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 2 * time.Minute
	}
	return c
}

type Drainer struct {
	outbox  usage.Outbox
	deliver DeliverFunc
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// newBackOff is swapped in tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
}

func NewDrainer(outbox usage.Outbox, deliver DeliverFunc, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Drainer {
	return &Drainer{
		outbox:  outbox,
		deliver: deliver,
		cfg:     cfg.withDefaults(),
		log:     logger.Named("outbox.drainer"),
		metrics: m,
		now:     time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

// RunForever drains on every tick until ctx is cancelled.
func (d *Drainer) RunForever(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.log.Info("outbox drainer started",
		zap.Duration("interval", d.cfg.Interval),
		zap.Duration("grace", d.cfg.Grace))

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("outbox drain run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			d.log.Info("outbox drainer stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce redelivers one batch of due events and returns how many were
// delivered.
func (d *Drainer) RunOnce(parentCtx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(parentCtx, d.cfg.RunTimeout)
	defer cancel()

	events, err := d.outbox.Due(ctx, d.now().Add(-d.cfg.Grace), d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		if d.redeliver(ctx, ev) {
			delivered++
		}
	}

	if len(events) > 0 {
		d.log.Info("outbox drain run finished",
			zap.Int("due", len(events)),
			zap.Int("delivered", delivered))
	}
	return delivered, nil
}

func (d *Drainer) redeliver(ctx context.Context, ev *usage.Event) bool {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := d.deliver(ctx, ev)
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(d.newBackOff()), backoff.WithMaxTries(d.cfg.Tries))

	// The engine has the event; only the cached balance is behind.
	if errors.Is(err, usage.ErrBalanceNotStored) {
		d.log.Warn("usage event redelivered, balance not stored",
			zap.String("transaction_id", ev.TransactionID),
			zap.String("subscription_id", ev.SubscriptionID),
			zap.Error(err))
		err = nil
	}

	if err == nil {
		d.metrics.OutboxRedelivery(metrics.ResultDelivered)
		return true
	}

	ev.Attempts++
	if !retryable(err) || ev.Attempts >= d.cfg.MaxAttempts {
		if buryErr := d.outbox.Bury(ctx, ev, err); buryErr != nil {
			d.log.Error("failed to dead-letter usage event",
				zap.String("transaction_id", ev.TransactionID), zap.Error(buryErr))
			return false
		}
		d.metrics.OutboxRedelivery(metrics.ResultBuried)
		d.log.Error("usage event dead-lettered",
			zap.String("transaction_id", ev.TransactionID),
			zap.String("subscription_id", ev.SubscriptionID),
			zap.Int("attempts", ev.Attempts),
			zap.Error(err))
		return false
	}

	ev.EnqueuedAt = d.now().UTC()
	if err := d.outbox.Reschedule(ctx, ev); err != nil {
		d.log.Error("failed to reschedule usage event",
			zap.String("transaction_id", ev.TransactionID), zap.Error(err))
	}
	d.metrics.OutboxRedelivery(metrics.ResultFailed)
	d.log.Warn("usage event redelivery failed",
		zap.String("transaction_id", ev.TransactionID),
		zap.Int("attempts", ev.Attempts),
		zap.Error(err))
	return false
}

// retryable reports whether another attempt could succeed. The engine
// rejecting the event itself is final, and so is an event it already billed.
func retryable(err error) bool {
	if errors.Is(err, usage.ErrBalanceNotStored) {
		return false
	}
	var apiErr *lago.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
