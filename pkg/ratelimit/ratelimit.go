package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps tokens per minute for each subscription. It wraps
// github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(subscriptionID string) string {
	return fmt.Sprintf("ratelimit:subscription:%s", subscriptionID)
}

// Allow reserves tokens for the subscription in the current window.
func (l *Limiter) Allow(ctx context.Context, subscriptionID string, tokens int) (bool, error) {
	res, err := l.store.AllowN(ctx, key(subscriptionID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Status reports whether the subscription still has tokens in the current
// window, without reserving any.
func (l *Limiter) Status(ctx context.Context, subscriptionID string) (bool, error) {
	res, err := l.store.Status(ctx, key(subscriptionID))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
