// Package ratelimit implements the per-connection permit pool, its
// process-wide replenisher, and the connect-path limiter guarding the
// upgrade endpoint.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// PoolSize is the permit capacity of each connection's pool.
	PoolSize = 10
	// RefillInterval is the cadence on which pools are topped back up.
	RefillInterval = time.Second
	// RetryAfterSeconds is the hint carried in rate_limited frames.
	RetryAfterSeconds = 1
)

// Pool is a non-blocking permit pool. Each inbound frame costs one permit;
// the replenisher restores the pool to capacity once per interval.
type Pool struct {
	permits atomic.Int32
}

// NewPool returns a pool filled to capacity.
func NewPool() *Pool {
	p := &Pool{}
	p.permits.Store(PoolSize)
	return p
}

// TryAcquire takes one permit without blocking.
func (p *Pool) TryAcquire() bool {
	for {
		n := p.permits.Load()
		if n <= 0 {
			return false
		}
		if p.permits.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Refill restores the pool to capacity, never exceeding it.
func (p *Pool) Refill() {
	p.permits.Store(PoolSize)
}

// Available returns the current permit count.
func (p *Pool) Available() int {
	return int(p.permits.Load())
}

// Replenisher is the single process-wide task that tops up every live
// client's pool once per interval. One ticker iterating the registry is
// cheaper than per-connection timers at this rate.
type Replenisher struct {
	once sync.Once
}

func NewReplenisher() *Replenisher {
	return &Replenisher{}
}

// Start launches the replenisher goroutine. forEachPool must visit the pool
// of every currently-connected client; visiting a pool more than once per
// tick is harmless. Start is idempotent.
func (r *Replenisher) Start(ctx context.Context, forEachPool func(fn func(*Pool))) {
	r.once.Do(func() {
		go func() {
			ticker := time.NewTicker(RefillInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					forEachPool(func(p *Pool) { p.Refill() })
				}
			}
		}()
	})
}
