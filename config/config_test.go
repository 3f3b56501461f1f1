package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/moneta")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("LAGO_API_BASE", "http://lago.local")
	t.Setenv("LAGO_API_KEY", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "credit_cents", cfg.LagoEventCode)
	assert.Equal(t, "x-openwebui-subscription-id", cfg.SubscriptionHeader)
	assert.Equal(t, "allow", cfg.UnknownSubscriptionPolicy)
	assert.Equal(t, 10*time.Second, cfg.LagoTimeout)
	assert.Equal(t, 30*time.Second, cfg.SubscriptionCacheTTL)
	assert.True(t, cfg.OutboxEnabled)
	assert.Equal(t, 50, cfg.OutboxBatch)
	assert.Equal(t, int64(100000), cfg.DefaultRateLimitTPM)
}

func TestLoad_EventCodeFromEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("LAGO_API_EVENT_CODE", "llm_credits")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "llm_credits", cfg.LagoEventCode)
}

func TestLoad_MissingLagoKey(t *testing.T) {
	setRequired(t)
	t.Setenv("LAGO_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LAGO_API_KEY")
}

func TestLoad_MemoryDriverWithoutDSN(t *testing.T) {
	setRequired(t)
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StoreDriver)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"policy", "UNKNOWN_SUBSCRIPTION_POLICY", "maybe"},
		{"driver", "STORE_DRIVER", "mysql"},
		{"duration", "LAGO_TIMEOUT", "ten seconds"},
		{"bool", "OUTBOX_ENABLED", "sometimes"},
		{"tpm", "DEFAULT_RATE_LIMIT_TPM", "lots"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
