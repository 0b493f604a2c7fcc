package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"leadline/internal/domain"
)

// Budget is the number of points a key may consume per fixed window.
type Budget struct {
	Points int
	Window time.Duration
}

// Limiter consumes one point from the bucket for key. When the bucket is
// empty it returns domain.RateLimitError and the bucket as it stands.
type Limiter interface {
	Consume(ctx context.Context, key string, budget Budget) (domain.RateLimitBucket, error)
}

// Memory keeps buckets in this process only. Separate processes keep
// separate counters; use Redis when instances must share a budget.
type Memory struct {
	mu    sync.Mutex
	store *cache.Cache
	now   func() time.Time
}

// NewMemory creates the process-wide bucket store. Expired buckets are
// evicted by the cache janitor every cleanup interval.
func NewMemory(cleanup time.Duration) *Memory {
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &Memory{
		store: cache.New(cache.NoExpiration, cleanup),
		now:   time.Now,
	}
}

// WithClock replaces the time source; meant for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Consume(_ context.Context, key string, budget Budget) (domain.RateLimitBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var bucket domain.RateLimitBucket
	if item, ok := m.store.Get(key); ok {
		bucket = item.(domain.RateLimitBucket)
	}
	if bucket.Key == "" || !now.Before(bucket.WindowResetAt) {
		bucket = domain.RateLimitBucket{
			Key:             key,
			RemainingPoints: budget.Points,
			WindowResetAt:   now.Add(budget.Window),
		}
	}
	if bucket.RemainingPoints <= 0 {
		return bucket, domain.RateLimitError{Key: key, RetryAfter: bucket.WindowResetAt.Sub(now)}
	}
	bucket.RemainingPoints--
	// The entry outlives its window slightly; expiry is decided by
	// WindowResetAt above, eviction by the janitor.
	m.store.Set(key, bucket, bucket.WindowResetAt.Sub(now)+time.Second)
	return bucket, nil
}

// Len reports how many buckets are currently held.
func (m *Memory) Len() int {
	return m.store.ItemCount()
}
