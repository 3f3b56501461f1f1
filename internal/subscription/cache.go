package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedStore is a Redis read-through cache in front of another Store.
// Misses are not cached, so a subscription created by another instance is
// visible on its next lookup. Redis failures degrade to the wrapped store.
type CachedStore struct {
	next   Store
	cache  redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedStore(next Store, cache redis.Cmdable, ttl time.Duration, logger *zap.Logger) *CachedStore {
	return &CachedStore{next: next, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(id string) string {
	return fmt.Sprintf("subscription:%s", id)
}

func (s *CachedStore) Find(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	err := s.cache.Get(ctx, cacheKey(id)).Scan(&sub)
	if err == nil {
		return &sub, nil
	} else if !errors.Is(err, redis.Nil) {
		s.logger.Warn("subscription cache read failed", zap.String("subscription_id", id), zap.Error(err))
	}

	found, err := s.next.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	s.store(ctx, found)
	return found, nil
}

func (s *CachedStore) Upsert(ctx context.Context, sub *Subscription) (*Subscription, error) {
	saved, err := s.next.Upsert(ctx, sub)
	if err != nil {
		// The row may or may not have changed; drop the entry rather than serve it.
		if delErr := s.cache.Del(ctx, cacheKey(sub.ID)).Err(); delErr != nil {
			s.logger.Warn("subscription cache invalidation failed", zap.String("subscription_id", sub.ID), zap.Error(delErr))
		}
		return nil, err
	}

	s.store(ctx, saved)
	return saved, nil
}

func (s *CachedStore) store(ctx context.Context, sub *Subscription) {
	if err := s.cache.Set(ctx, cacheKey(sub.ID), sub, s.ttl).Err(); err != nil {
		s.logger.Warn("subscription cache write failed", zap.String("subscription_id", sub.ID), zap.Error(err))
	}
}
