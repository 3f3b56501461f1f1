package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/moneta/internal/lago"
	"github.com/vnmchuo/moneta/internal/metrics"
	"github.com/vnmchuo/moneta/internal/subscription"
	"github.com/vnmchuo/moneta/internal/usage"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	outbox  *usage.RedisOutbox
	drainer *Drainer
	reg     *prometheus.Registry
	calls   map[string]int
}

func newHarness(t *testing.T, cfg Config, deliver func(ev *usage.Event) error) *harness {
	t.Helper()
	h := newOutboxHarness(t)
	outbox := h.outbox
	h.start(cfg, func(ctx context.Context, ev *usage.Event) error {
		h.calls[ev.TransactionID]++
		err := deliver(ev)
		if err == nil {
			return outbox.Ack(ctx, ev.TransactionID)
		}
		return err
	})
	return h
}

func newOutboxHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return &harness{
		outbox: usage.NewRedisOutbox(client, "test"),
		reg:    prometheus.NewRegistry(),
		calls:  map[string]int{},
	}
}

func (h *harness) start(cfg Config, deliver DeliverFunc) {
	h.drainer = NewDrainer(h.outbox, deliver, cfg, zap.NewNop(), metrics.New(h.reg))
	h.drainer.now = func() time.Time { return base }
	h.drainer.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
}

func (h *harness) pending(t *testing.T) int64 {
	t.Helper()
	n, err := h.outbox.Len(context.Background())
	require.NoError(t, err)
	return n
}

// countingSender accepts every event and answers with a fixed balance.
type countingSender struct {
	sends map[string]int
}

func (s *countingSender) SendEvent(ctx context.Context, ev *lago.Event) (*lago.EventResult, error) {
	s.sends[ev.TransactionID]++
	var res lago.EventResult
	res.Event.TransactionID = ev.TransactionID
	res.Event.SubscriptionRemainingUsage = json.RawMessage(`[{"metric":"credit_cents","remaining_usage_units":40}]`)
	return &res, nil
}

type brokenStore struct{ subscription.Store }

func (brokenStore) Upsert(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error) {
	return nil, errors.New("too many connections")
}

func newReporterHarness(t *testing.T, store subscription.Store) (*harness, *countingSender) {
	t.Helper()
	h := newOutboxHarness(t)
	sender := &countingSender{sends: map[string]int{}}
	reporter := usage.NewReporter(sender, store, h.outbox, "credit_cents", zap.NewNop(), nil, noop.NewTracerProvider().Tracer("test"))
	h.start(Config{Grace: time.Minute, Tries: 3}, reporter.Deliver)
	return h, sender
}

func (h *harness) put(t *testing.T, ev *usage.Event) {
	t.Helper()
	require.NoError(t, h.outbox.Put(context.Background(), ev))
}

func (h *harness) assertRedeliveries(t *testing.T, result string, n int) {
	t.Helper()
	expected := fmt.Sprintf(`
# HELP moneta_outbox_redeliveries_total Outbox redelivery attempts by result.
# TYPE moneta_outbox_redeliveries_total counter
moneta_outbox_redeliveries_total{result=%q} %d
`, result, n)
	assert.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected), "moneta_outbox_redeliveries_total"))
}

func TestRunOnce_RedeliversPastGrace(t *testing.T) {
	h := newHarness(t, Config{Grace: time.Minute}, func(*usage.Event) error { return nil })

	old := usage.NewEvent("sub-1", 1, base.Add(-2*time.Minute))
	fresh := usage.NewEvent("sub-1", 1, base.Add(-10*time.Second))
	h.put(t, old)
	h.put(t, fresh)

	n, err := h.drainer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.calls[old.TransactionID])
	assert.Zero(t, h.calls[fresh.TransactionID])

	assert.Equal(t, int64(1), h.pending(t))
}

func TestRunOnce_TransientFailureReschedules(t *testing.T) {
	h := newHarness(t, Config{Grace: time.Minute, Tries: 2}, func(*usage.Event) error {
		return &lago.APIError{StatusCode: http.StatusServiceUnavailable}
	})

	ev := usage.NewEvent("sub-1", 1, base.Add(-time.Hour))
	h.put(t, ev)

	n, err := h.drainer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, h.calls[ev.TransactionID])

	due, err := h.outbox.Due(context.Background(), base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
	assert.True(t, due[0].EnqueuedAt.Equal(base))

	// Rescheduled to now, so it waits out another grace period.
	due, err = h.outbox.Due(context.Background(), base.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	h.assertRedeliveries(t, metrics.ResultFailed, 1)
}

func TestRunOnce_RejectedEventIsBuried(t *testing.T) {
	h := newHarness(t, Config{Tries: 3}, func(*usage.Event) error {
		return &lago.APIError{StatusCode: http.StatusUnprocessableEntity, Body: `{"error":"invalid"}`}
	})

	ev := usage.NewEvent("sub-1", 1, base.Add(-time.Hour))
	h.put(t, ev)

	_, err := h.drainer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.calls[ev.TransactionID])

	assert.Zero(t, h.pending(t))

	dead, err := h.outbox.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, ev.TransactionID, dead[0].Event.TransactionID)
}

func TestRunOnce_BuriesAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, Config{Tries: 1, MaxAttempts: 2}, func(*usage.Event) error {
		return errors.New("connection refused")
	})

	ev := usage.NewEvent("sub-1", 1, base.Add(-time.Hour))
	ev.Attempts = 1
	h.put(t, ev)

	_, err := h.drainer.RunOnce(context.Background())
	require.NoError(t, err)

	dead, err := h.outbox.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Event.Attempts)
	h.assertRedeliveries(t, metrics.ResultBuried, 1)
}

func TestRunForever_StopsOnCancel(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Millisecond}, func(*usage.Event) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.drainer.RunForever(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drainer did not stop")
	}
}

func TestRunOnce_ReporterDeliveryStoresBalance(t *testing.T) {
	store := subscription.NewMemoryStore()
	h, sender := newReporterHarness(t, store)

	ev := usage.NewEvent("sub-1", 1.5, base.Add(-time.Hour))
	h.put(t, ev)

	n, err := h.drainer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, sender.sends[ev.TransactionID])
	assert.Zero(t, h.pending(t))

	sub, err := store.Find(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"metric":"credit_cents","remaining_usage_units":40}]`, string(sub.RemainingBalance))
	h.assertRedeliveries(t, metrics.ResultDelivered, 1)
}

func TestRunOnce_BalanceWriteFailureIsNotResent(t *testing.T) {
	h, sender := newReporterHarness(t, brokenStore{Store: subscription.NewMemoryStore()})

	ev := usage.NewEvent("sub-1", 1.5, base.Add(-time.Hour))
	h.put(t, ev)

	n, err := h.drainer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, sender.sends[ev.TransactionID])
	assert.Zero(t, h.pending(t))

	dead, err := h.outbox.DeadLetters(context.Background())
	require.NoError(t, err)
	assert.Empty(t, dead)

	_, err = h.drainer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sender.sends[ev.TransactionID])
	h.assertRedeliveries(t, metrics.ResultDelivered, 1)
}
