package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kranthikarthan/payment-engine/internal/payerr"
)

// bulkhead caps concurrent in-flight calls per key with a weighted
// semaphore. Acquisition waits at most maxWait before failing fast.
type bulkhead struct {
	sem     *semaphore.Weighted
	maxWait time.Duration
}

func newBulkhead(maxConcurrent int, maxWait time.Duration) *bulkhead {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &bulkhead{sem: semaphore.NewWeighted(int64(maxConcurrent)), maxWait: maxWait}
}

// Acquire takes one slot or returns BULKHEAD_FULL once maxWait elapses.
// The parent context still bounds the wait.
func (b *bulkhead) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, b.maxWait)
	defer cancel()
	if err := b.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return payerr.Wrap(payerr.ErrBulkheadFull, err)
	}
	return nil
}

func (b *bulkhead) Release() {
	b.sem.Release(1)
}

// bulkheadRegistry keys bulkheads the same way breakers are keyed.
type bulkheadRegistry struct {
	mu        sync.Mutex
	bulkheads map[string]*bulkhead
}

func newBulkheadRegistry() *bulkheadRegistry {
	return &bulkheadRegistry{bulkheads: make(map[string]*bulkhead)}
}

func (r *bulkheadRegistry) get(key string, s Settings) *bulkhead {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bulkheads[key]; ok {
		return b
	}
	b := newBulkhead(s.MaxConcurrentCalls, s.BulkheadMaxWait)
	r.bulkheads[key] = b
	return b
}

// Flush drops all keyed bulkheads so fresh settings apply.
func (r *bulkheadRegistry) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bulkheads = make(map[string]*bulkhead)
}
