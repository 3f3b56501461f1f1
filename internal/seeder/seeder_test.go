package seeder

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnmchuo/moneta/internal/subscription"
)

func TestSeedTestSubscriptions(t *testing.T) {
	store := subscription.NewMemoryStore()
	SeedTestSubscriptions(context.Background(), store, zap.NewNop())

	funded, err := store.Find(context.Background(), TestSubscriptionID)
	require.NoError(t, err)
	primary, ok, err := funded.PrimaryBalance()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, subscription.Units(100000), primary.RemainingUsageUnits)

	denied, err := store.Find(context.Background(), TestDeniedSubscriptionID)
	require.NoError(t, err)
	primary, _, _ = denied.PrimaryBalance()
	assert.Less(t, float64(primary.RemainingUsageUnits), 0.0)
}

func TestSeedTestSubscriptions_KeepsNewerBalance(t *testing.T) {
	store := subscription.NewMemoryStore()
	_, err := store.Upsert(context.Background(), &subscription.Subscription{
		ID:               TestSubscriptionID,
		Status:           subscription.StatusActive,
		RemainingBalance: json.RawMessage(`[{"remaining_usage_units":7}]`),
		BalanceUpdatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	SeedTestSubscriptions(context.Background(), store, zap.NewNop())

	sub, err := store.Find(context.Background(), TestSubscriptionID)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"remaining_usage_units":7}]`, string(sub.RemainingBalance))
}
