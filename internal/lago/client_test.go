package lago

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() *Event {
	return &Event{
		TransactionID:          "tx-1",
		ExternalSubscriptionID: "sub-1",
		Code:                   "credit_cents",
		Timestamp:              1700000000,
		Properties: map[string]any{
			"credit_cents":         250.0,
			"with_remaining_usage": true,
		},
	}
}

func TestSendEvent_WireContract(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/events", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"event":{"lago_id":"l-1","transaction_id":"tx-1","subscription_remaining_usage":[{"metric":"credit_cents","remaining_usage_units":500}]}}`))
	}))
	defer server.Close()

	c := New(server.URL+"/", "test-key", time.Second)
	res, err := c.SendEvent(context.Background(), testEvent())
	require.NoError(t, err)

	assert.Equal(t, true, got["sync"])
	event := got["event"].(map[string]any)
	assert.Equal(t, "tx-1", event["transaction_id"])
	assert.Equal(t, "sub-1", event["external_subscription_id"])
	assert.Equal(t, "credit_cents", event["code"])
	assert.Equal(t, float64(1700000000), event["timestamp"])
	props := event["properties"].(map[string]any)
	assert.Equal(t, 250.0, props["credit_cents"])
	assert.Equal(t, true, props["with_remaining_usage"])

	assert.Equal(t, "l-1", res.Event.LagoID)
	assert.JSONEq(t, `[{"metric":"credit_cents","remaining_usage_units":500}]`, string(res.Event.SubscriptionRemainingUsage))
}

func TestSendEvent_NonSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"value_already_exist"}`))
	}))
	defer server.Close()

	_, err := New(server.URL, "k", time.Second).SendEvent(context.Background(), testEvent())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.False(t, apiErr.Retryable())
	assert.Contains(t, apiErr.Body, "value_already_exist")
	assert.Equal(t, "422", StatusLabel(err))
}

func TestSendEvent_EmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	res, err := New(server.URL, "k", time.Second).SendEvent(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Empty(t, res.Event.SubscriptionRemainingUsage)
}

func TestSendEvent_BreakerOpens(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := New(server.URL, "k", time.Second)
	for i := 0; i < 5; i++ {
		_, err := c.SendEvent(context.Background(), testEvent())
		require.Error(t, err)
	}

	_, err := c.SendEvent(context.Background(), testEvent())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 5, calls)
	assert.Equal(t, "circuit_open", StatusLabel(err))
}

func TestSendEvent_ClientErrorsDoNotTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(server.URL, "k", time.Second)
	for i := 0; i < 10; i++ {
		_, err := c.SendEvent(context.Background(), testEvent())
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr), "call %d: %v", i, err)
	}
}

func TestSendEvent_Transport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	_, err := New(server.URL, "k", time.Second).SendEvent(context.Background(), testEvent())
	require.Error(t, err)
	assert.Equal(t, "transport", StatusLabel(err))
}
