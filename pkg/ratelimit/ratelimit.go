// Package ratelimit provides per-tenant admission control. Memory is a
// process-local token bucket; Shared keeps the counters in redis so that
// several gateway processes see the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"golang.org/x/time/rate"
)

type Limiter interface {
	// TryAcquire debits cost from the tenant's budget. A false result leaves
	// the budget untouched.
	TryAcquire(ctx context.Context, tenantID string, cost int) (bool, error)
	// RetryAfter is a hint for how long a rejected caller should wait.
	RetryAfter(cost int) time.Duration
}

// Memory holds one token bucket per tenant, created on first use and full.
type Memory struct {
	capacity int
	refill   rate.Limit
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewMemory(capacity int, refillPerSecond float64) *Memory {
	return &Memory{
		capacity: capacity,
		refill:   rate.Limit(refillPerSecond),
		now:      time.Now,
		buckets:  make(map[string]*rate.Limiter),
	}
}

func (m *Memory) bucket(tenantID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[tenantID]
	if !ok {
		b = rate.NewLimiter(m.refill, m.capacity)
		m.buckets[tenantID] = b
	}
	return b
}

func (m *Memory) TryAcquire(_ context.Context, tenantID string, cost int) (bool, error) {
	if cost <= 0 {
		return true, nil
	}
	return m.bucket(tenantID).AllowN(m.now(), cost), nil
}

// Tokens reports the tenant's current budget. Unknown tenants have a full bucket.
func (m *Memory) Tokens(tenantID string) float64 {
	return m.bucket(tenantID).TokensAt(m.now())
}

func (m *Memory) RetryAfter(cost int) time.Duration {
	if m.refill <= 0 {
		return time.Minute
	}
	secs := math.Ceil(float64(cost) / float64(m.refill))
	return time.Duration(secs) * time.Second
}

// Shared is a thin wrapper around github.com/vnmchuo/ratelimiter.
type Shared struct {
	store  extratelimit.Limiter
	window time.Duration
}

func NewShared(rdb *redis.Client, limit int, window time.Duration) *Shared {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(limit),
		extratelimit.WithWindow(window),
	)
	return &Shared{store: store, window: window}
}

func NewSharedWithStore(store extratelimit.Limiter, window time.Duration) *Shared {
	return &Shared{store: store, window: window}
}

func key(tenantID string) string {
	return fmt.Sprintf("ratelimit:tenant:%s", tenantID)
}

func (s *Shared) TryAcquire(ctx context.Context, tenantID string, cost int) (bool, error) {
	if cost <= 0 {
		return true, nil
	}
	res, err := s.store.AllowN(ctx, key(tenantID), cost)
	if err != nil {
		return false, fmt.Errorf("rate limiter: %w", err)
	}
	return res.Allowed, nil
}

func (s *Shared) Status(ctx context.Context, tenantID string) (*extratelimit.Result, error) {
	return s.store.Status(ctx, key(tenantID))
}

func (s *Shared) RetryAfter(int) time.Duration {
	return s.window
}
