// Package worker bounds concurrent chat requests and runs background jobs
// off the request path.
package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vnmchuo/session-gateway/internal/metrics"
)

var ErrSaturated = errors.New("worker pool saturated")

// Pool admits at most size requests at once. Callers that cannot get a slot
// within the admission wait are turned away with ErrSaturated.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
	wait time.Duration
}

func NewPool(size int, wait time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size), wait: wait}
}

// Acquire takes a slot. The returned release func must be called exactly
// once.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	if !p.sem.TryAcquire(1) {
		if p.wait <= 0 {
			return nil, ErrSaturated
		}
		waitCtx, cancel := context.WithTimeout(ctx, p.wait)
		err := p.sem.Acquire(waitCtx, 1)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrSaturated
		}
	}
	metrics.InFlight.Inc()
	var released bool
	return func() {
		if released {
			return
		}
		released = true
		metrics.InFlight.Dec()
		p.sem.Release(1)
	}, nil
}

func (p *Pool) Size() int { return int(p.size) }
