// Package ratelimit enforces per-tenant request budgets backed by Redis.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Window is the period each tenant budget covers.
const Window = time.Minute

// Limiter counts chat requests per tenant in a sliding window. Keys may
// carry their own budget; one store is kept per distinct budget.
type Limiter struct {
	defaultLimit int64
	build        func(limit int64) extratelimit.Limiter

	mu     sync.Mutex
	stores map[int64]extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, perMinute int64) *Limiter {
	return newLimiter(perMinute, func(limit int64) extratelimit.Limiter {
		return extratelimit.NewRedisStore(rdb,
			extratelimit.WithLimit(int(limit)),
			extratelimit.WithWindow(Window),
		)
	})
}

// NewTestLimiter serves every budget from store.
func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return newLimiter(0, func(int64) extratelimit.Limiter { return store })
}

func newLimiter(perMinute int64, build func(int64) extratelimit.Limiter) *Limiter {
	return &Limiter{
		defaultLimit: perMinute,
		build:        build,
		stores:       make(map[int64]extratelimit.Limiter),
	}
}

// Allow charges one request to tenantID against a budget of perMinute
// requests, or the default budget when perMinute is not positive. A nil
// Limiter allows everything.
func (l *Limiter) Allow(ctx context.Context, tenantID string, perMinute int64) (bool, error) {
	if l == nil {
		return true, nil
	}
	res, err := l.storeFor(perMinute).Allow(ctx, key(tenantID))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) storeFor(perMinute int64) extratelimit.Limiter {
	if perMinute <= 0 {
		perMinute = l.defaultLimit
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stores[perMinute]
	if !ok {
		s = l.build(perMinute)
		l.stores[perMinute] = s
	}
	return s
}

func key(tenantID string) string {
	return fmt.Sprintf("ratelimit:chat:%s", tenantID)
}
