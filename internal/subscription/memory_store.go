package subscription

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps subscriptions in process memory. Data is lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
		now:  time.Now,
	}
}

func (s *MemoryStore) Find(ctx context.Context, id string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sub.clone(), nil
}

func (s *MemoryStore) Upsert(ctx context.Context, sub *Subscription) (*Subscription, error) {
	if err := validate(sub); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	observed := sub.BalanceUpdatedAt
	if observed.IsZero() {
		observed = now
	}

	existing, ok := s.subs[sub.ID]
	if !ok {
		created := sub.clone()
		created.BalanceUpdatedAt = observed
		created.Version = 1
		created.CreatedAt = now
		created.UpdatedAt = now
		s.subs[sub.ID] = created
		return created.clone(), nil
	}

	if observed.Before(existing.BalanceUpdatedAt) {
		return existing.clone(), nil
	}

	existing.Status = sub.Status
	existing.RemainingBalance = cloneRaw(sub.RemainingBalance)
	existing.BalanceUpdatedAt = observed
	existing.Version++
	existing.UpdatedAt = now
	return existing.clone(), nil
}
