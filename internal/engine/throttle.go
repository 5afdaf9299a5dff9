package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Throttle gates access to rate-limited external providers.
// Every Acquire that returns nil must be paired with exactly one Release.
type Throttle interface {
	Acquire(ctx context.Context) error
	Release()
}

// Limiter combines a concurrency cap with a pause between items: each start waits
// at least interval after the most recent Release. With concurrency 1 it reproduces
// the serial sleep-after-each-item schedule.
type Limiter struct {
	sem      *semaphore.Weighted
	interval time.Duration

	mu sync.Mutex
	rl *rate.Limiter // gates the next start; renewed by Release
}

// NewLimiter returns a limiter admitting at most concurrency holders. The first
// acquisition is immediate; interval <= 0 disables the pause.
func NewLimiter(interval time.Duration, concurrency int) *Limiter {
	if concurrency < 1 {
		concurrency = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(concurrency)),
		interval: interval,
		rl:       rate.NewLimiter(limit, 1),
	}
}

// Acquire blocks until a slot is free and the pause since the last Release has elapsed.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.mu.Lock()
	rl := l.rl
	l.mu.Unlock()
	if err := rl.Wait(ctx); err != nil {
		l.sem.Release(1)
		return err
	}
	return nil
}

// Release frees the slot taken by Acquire and starts the pause before the next item.
func (l *Limiter) Release() {
	if l.interval > 0 {
		rl := rate.NewLimiter(rate.Every(l.interval), 1)
		rl.Allow() // empty bucket: the next token arrives one interval from now
		l.mu.Lock()
		l.rl = rl
		l.mu.Unlock()
	}
	l.sem.Release(1)
}

// Unthrottled never blocks. Used in tests and one-off invocations.
type Unthrottled struct{}

func (Unthrottled) Acquire(ctx context.Context) error { return ctx.Err() }
func (Unthrottled) Release()                          {}
