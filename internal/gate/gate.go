// Package gate decides, before a request is dispatched, whether the caller's
// subscription may be served.
package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/moneta/internal/metrics"
	"github.com/vnmchuo/moneta/internal/subscription"
)

var (
	ErrMissingSubscription = errors.New("missing subscription id")
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrStoreUnavailable    = errors.New("subscription store unavailable")
)

const (
	CodeInsufficientFunds = "insufficient_funds"
	MessageInsufficient   = "Your account has insufficient funds to proceed."
)

// ErrorBody is the JSON body of a rejected request.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// InsufficientFundsError denies a subscription whose primary balance is negative.
type InsufficientFundsError struct {
	SubscriptionID string
	Remaining      float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("subscription %s has insufficient funds (remaining %g)", e.SubscriptionID, e.Remaining)
}

func (e *InsufficientFundsError) StatusCode() int {
	return http.StatusPaymentRequired
}

func (e *InsufficientFundsError) Body() ErrorBody {
	return ErrorBody{Error: CodeInsufficientFunds, Message: MessageInsufficient}
}

// UnknownPolicy decides what happens to subscriptions with no local row.
type UnknownPolicy string

const (
	// AllowUnknown serves subscriptions that have never been billed.
	AllowUnknown UnknownPolicy = "allow"
	DenyUnknown  UnknownPolicy = "deny"
)

type Gate struct {
	store   subscription.Store
	policy  UnknownPolicy
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func New(store subscription.Store, policy UnknownPolicy, logger *zap.Logger, m *metrics.Metrics, tracer trace.Tracer) *Gate {
	if policy == "" {
		policy = AllowUnknown
	}
	return &Gate{
		store:   store,
		policy:  policy,
		logger:  logger,
		metrics: m,
		tracer:  tracer,
	}
}

// Check returns nil when the subscription may proceed.
func (g *Gate) Check(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		g.metrics.GateDecision(metrics.DecisionMissing)
		return ErrMissingSubscription
	}

	ctx, span := g.tracer.Start(ctx, "gate.check")
	defer span.End()
	span.SetAttributes(attribute.String("subscription_id", subscriptionID))

	sub, err := g.store.Find(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			if g.policy == DenyUnknown {
				g.metrics.GateDecision(metrics.DecisionDeny)
				return fmt.Errorf("%w: %s", ErrUnknownSubscription, subscriptionID)
			}
			g.metrics.GateDecision(metrics.DecisionUnknown)
			g.logger.Debug("allowing unknown subscription", zap.String("subscription_id", subscriptionID))
			return nil
		}
		g.metrics.GateDecision(metrics.DecisionError)
		span.RecordError(err)
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	primary, ok, err := sub.PrimaryBalance()
	if err != nil {
		// A balance we cannot read is treated like one we cannot fetch.
		g.metrics.GateDecision(metrics.DecisionError)
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	if ok && primary.RemainingUsageUnits < 0 {
		g.metrics.GateDecision(metrics.DecisionDeny)
		span.SetAttributes(attribute.Float64("remaining_usage_units", float64(primary.RemainingUsageUnits)))
		return &InsufficientFundsError{SubscriptionID: subscriptionID, Remaining: float64(primary.RemainingUsageUnits)}
	}

	g.metrics.GateDecision(metrics.DecisionAllow)
	return nil
}
