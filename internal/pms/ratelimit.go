package pms

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// limiter keeps one clinic inside the documented PMS request budget: a
// sliding-window call counter plus a cap on concurrent in-flight requests.
type limiter struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	calls  []time.Time
	max    int
	period time.Duration
}

func newLimiter(maxConcurrent, callsPerMinute int) *limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 6
	}
	if callsPerMinute <= 0 {
		callsPerMinute = 60
	}
	return &limiter{
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		max:    callsPerMinute,
		period: time.Minute,
	}
}

// acquire blocks until a request may be sent or ctx is done. The returned
// release must be called when the request completes.
func (l *limiter) acquire(ctx context.Context) (release func(), err error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := l.waitBudget(ctx); err != nil {
		l.sem.Release(1)
		return nil, err
	}
	return func() { l.sem.Release(1) }, nil
}

func (l *limiter) waitBudget(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-l.period)
		kept := l.calls[:0]
		for _, t := range l.calls {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		l.calls = kept

		if len(l.calls) < l.max {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.period - now.Sub(l.calls[0])
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
