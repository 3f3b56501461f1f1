package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Outbox holds events between creation and confirmed delivery, so a failed
// report can be resent with the same transaction id.
type Outbox interface {
	Put(ctx context.Context, ev *Event) error
	Ack(ctx context.Context, transactionID string) error
	// Due returns up to max events enqueued before the given time, oldest first.
	Due(ctx context.Context, before time.Time, max int) ([]*Event, error)
	// Reschedule stores ev with its updated Attempts and EnqueuedAt.
	Reschedule(ctx context.Context, ev *Event) error
	// Bury moves ev to the dead-letter set.
	Bury(ctx context.Context, ev *Event, reason error) error
}

// DeadLetter is an event the billing engine refused permanently.
type DeadLetter struct {
	Event    *Event    `json:"event"`
	Error    string    `json:"error"`
	BuriedAt time.Time `json:"buried_at"`
}

// RedisOutbox stores events in a hash keyed by transaction id, ordered by a
// sorted set scored with the enqueue time in milliseconds.
type RedisOutbox struct {
	client  redis.Cmdable
	itemKey string
	dueKey  string
	deadKey string
}

func NewRedisOutbox(client redis.Cmdable, name string) *RedisOutbox {
	return &RedisOutbox{
		client:  client,
		itemKey: fmt.Sprintf("outbox:%s", name),
		dueKey:  fmt.Sprintf("outbox:%s:due", name),
		deadKey: fmt.Sprintf("dlq:%s", name),
	}
}

func (o *RedisOutbox) Put(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = o.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, o.itemKey, ev.TransactionID, data)
		pipe.ZAdd(ctx, o.dueKey, redis.Z{Score: float64(ev.EnqueuedAt.UnixMilli()), Member: ev.TransactionID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add event to outbox: %w", err)
	}
	return nil
}

func (o *RedisOutbox) Reschedule(ctx context.Context, ev *Event) error {
	return o.Put(ctx, ev)
}

func (o *RedisOutbox) Ack(ctx context.Context, transactionID string) error {
	_, err := o.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, o.itemKey, transactionID)
		pipe.ZRem(ctx, o.dueKey, transactionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack event: %w", err)
	}
	return nil
}

func (o *RedisOutbox) Due(ctx context.Context, before time.Time, max int) ([]*Event, error) {
	ids, err := o.client.ZRangeByScore(ctx, o.dueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list due events: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := o.client.HMGet(ctx, o.itemKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load due events: %w", err)
	}

	events := make([]*Event, 0, len(ids))
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			// Acked between the two reads, or orphaned.
			o.client.ZRem(ctx, o.dueKey, ids[i])
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue // Skip malformed items
		}
		events = append(events, &ev)
	}
	return events, nil
}

func (o *RedisOutbox) Bury(ctx context.Context, ev *Event, reason error) error {
	msg := "unknown"
	if reason != nil {
		msg = reason.Error()
	}
	data, err := json.Marshal(DeadLetter{Event: ev, Error: msg, BuriedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	_, err = o.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, o.deadKey, ev.TransactionID, data)
		pipe.HDel(ctx, o.itemKey, ev.TransactionID)
		pipe.ZRem(ctx, o.dueKey, ev.TransactionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to bury event: %w", err)
	}
	return nil
}

// DeadLetters lists buried events.
func (o *RedisOutbox) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	results, err := o.client.HGetAll(ctx, o.deadKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	items := make([]DeadLetter, 0, len(results))
	for _, data := range results {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(data), &dl); err != nil {
			continue
		}
		items = append(items, dl)
	}
	return items, nil
}

// Len returns the number of undelivered events.
func (o *RedisOutbox) Len(ctx context.Context) (int64, error) {
	n, err := o.client.ZCard(ctx, o.dueKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to get outbox length: %w", err)
	}
	return n, nil
}
