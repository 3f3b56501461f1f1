package seeder

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/moneta/internal/subscription"
)

const (
	TestSubscriptionID = "00000000-0000-0000-0000-000000000001"
	// TestDeniedSubscriptionID carries a negative balance, so the gate rejects it.
	TestDeniedSubscriptionID = "00000000-0000-0000-0000-000000000002"
)

// SeedTestSubscriptions creates one funded and one overdrawn subscription for
// local testing. Existing rows with a newer balance are left alone.
func SeedTestSubscriptions(ctx context.Context, store subscription.Store, logger *zap.Logger) {
	seeds := []struct {
		id      string
		balance string
	}{
		{TestSubscriptionID, `[{"metric":"credit_cents","remaining_usage_units":100000}]`},
		{TestDeniedSubscriptionID, `[{"metric":"credit_cents","remaining_usage_units":-1}]`},
	}

	for _, s := range seeds {
		_, err := store.Upsert(ctx, &subscription.Subscription{
			ID:               s.id,
			Status:           subscription.StatusActive,
			BalanceThreshold: json.RawMessage(`{}`),
			RemainingBalance: json.RawMessage(s.balance),
			// Epoch, so any real balance already stored wins.
			BalanceUpdatedAt: time.Unix(1, 0).UTC(),
		})
		if err != nil {
			logger.Warn("seeding subscription failed, skipping", zap.String("subscription_id", s.id), zap.Error(err))
			continue
		}
		logger.Info("test subscription seeded",
			zap.String("subscription_id", s.id),
			zap.String("remaining_balance", s.balance))
	}
}
