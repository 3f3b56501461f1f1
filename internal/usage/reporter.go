// Package usage reports the cost of completed requests to the billing engine
// and caches the balance the engine returns.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/moneta/internal/lago"
	"github.com/vnmchuo/moneta/internal/metrics"
	"github.com/vnmchuo/moneta/internal/subscription"
)

// ErrBalanceNotStored means the engine accepted the event but the balance it
// returned could not be cached. The event must not be sent again.
var ErrBalanceNotStored = errors.New("usage billed but balance not stored")

type EventSender interface {
	SendEvent(ctx context.Context, ev *lago.Event) (*lago.EventResult, error)
}

// Metadata describes the request being billed. It is logged, not sent.
type Metadata struct {
	RequestID string
	CallType  string
	Model     string
	StartTime time.Time
	EndTime   time.Time
}

type Reporter struct {
	client    EventSender
	store     subscription.Store
	outbox    Outbox // nil disables durable delivery
	eventCode string
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

func NewReporter(client EventSender, store subscription.Store, outbox Outbox, eventCode string, logger *zap.Logger, m *metrics.Metrics, tracer trace.Tracer) *Reporter {
	return &Reporter{
		client:    client,
		store:     store,
		outbox:    outbox,
		eventCode: eventCode,
		logger:    logger,
		metrics:   m,
		tracer:    tracer,
		now:       time.Now,
	}
}

// Report bills cost (major currency units) to the subscription. Requests
// without a subscription id or with no positive cost are not billable.
func (r *Reporter) Report(ctx context.Context, subscriptionID string, cost float64, meta Metadata) error {
	if subscriptionID == "" || !(cost > 0) {
		r.metrics.UsageReport(metrics.ResultSkipped)
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "usage.report")
	defer span.End()

	ev := NewEvent(subscriptionID, cost, r.now())
	span.SetAttributes(
		attribute.String("subscription_id", subscriptionID),
		attribute.String("transaction_id", ev.TransactionID),
		attribute.Float64("cost_minor", ev.CostMinor),
	)

	if r.outbox != nil {
		if err := r.outbox.Put(ctx, ev); err != nil {
			r.logger.Warn("usage event not persisted to outbox, delivering without it",
				zap.String("transaction_id", ev.TransactionID), zap.Error(err))
		}
	}

	err := r.Deliver(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("usage report failed",
			zap.String("subscription_id", subscriptionID),
			zap.String("transaction_id", ev.TransactionID),
			zap.String("request_id", meta.RequestID),
			zap.String("call_type", meta.CallType),
			zap.Float64("cost_minor", ev.CostMinor),
			zap.Error(err))
		return err
	}

	r.logger.Debug("usage reported",
		zap.String("subscription_id", subscriptionID),
		zap.String("transaction_id", ev.TransactionID),
		zap.String("request_id", meta.RequestID),
		zap.String("model", meta.Model),
		zap.Duration("request_duration", meta.EndTime.Sub(meta.StartTime)),
		zap.Float64("cost_minor", ev.CostMinor))
	return nil
}

// Deliver sends ev and, on success, stores the remaining usage the engine
// returned. A failed send leaves the store untouched and ev in the outbox.
// Once the send succeeded every error wraps ErrBalanceNotStored.
func (r *Reporter) Deliver(ctx context.Context, ev *Event) error {
	start := r.now()
	res, err := r.client.SendEvent(ctx, ev.Wire(r.eventCode))
	r.metrics.ObserveBilling(lago.StatusLabel(err), r.now().Sub(start))
	if err != nil {
		r.metrics.UsageReport(metrics.ResultFailed)
		return fmt.Errorf("failed to report usage for %s: %w", ev.SubscriptionID, err)
	}

	if r.outbox != nil {
		if err := r.outbox.Ack(ctx, ev.TransactionID); err != nil {
			// Redelivery is deduplicated by the engine on transaction id.
			r.logger.Warn("failed to ack delivered usage event", zap.String("transaction_id", ev.TransactionID), zap.Error(err))
		}
	}

	remaining := res.Event.SubscriptionRemainingUsage
	if !subscription.HasContent(remaining) {
		r.metrics.StaleBalance()
		r.metrics.UsageReport(metrics.ResultDelivered)
		r.logger.Debug("billing engine returned no remaining usage", zap.String("subscription_id", ev.SubscriptionID))
		return nil
	}

	_, err = r.store.Upsert(ctx, &subscription.Subscription{
		ID:               ev.SubscriptionID,
		Status:           subscription.StatusActive,
		BalanceThreshold: json.RawMessage(`{}`),
		RemainingBalance: remaining,
		BalanceUpdatedAt: r.now().UTC(),
	})
	if err != nil {
		r.metrics.StaleBalance()
		r.metrics.UsageReport(metrics.ResultDelivered)
		return fmt.Errorf("%w for %s: %w", ErrBalanceNotStored, ev.SubscriptionID, err)
	}

	r.metrics.UsageReport(metrics.ResultDelivered)
	return nil
}
