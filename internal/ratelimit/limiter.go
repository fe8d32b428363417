// Package ratelimit provides sliding-window admission control keyed by client
// identity. The in-memory limiter is per process; RedisLimiter shares counters
// across replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits at most limit calls per key within any window-long interval.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// sweepEvery bounds how often idle keys are collected.
const sweepEvery = 1024

// InMemoryLimiter keeps a log of admitted call times per key.
type InMemoryLimiter struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]*window
	calls int
}

type window struct {
	hits   []time.Time
	maxAge time.Duration
}

type Option func(*InMemoryLimiter)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *InMemoryLimiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

func NewInMemory(opts ...Option) *InMemoryLimiter {
	l := &InMemoryLimiter{
		now:   time.Now,
		items: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow never returns an error; the signature matches shared limiters.
func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int, win time.Duration) (Decision, error) {
	if limit <= 0 {
		limit = 1
	}
	if win <= 0 {
		win = time.Minute
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweep(now)
	}

	w, ok := l.items[key]
	if !ok {
		w = &window{}
		l.items[key] = w
	}
	w.maxAge = win
	w.prune(now, win)

	if len(w.hits) >= limit {
		return Decision{
			Allowed:    false,
			Count:      len(w.hits),
			Limit:      limit,
			Remaining:  0,
			RetryAfter: w.hits[0].Add(win).Sub(now),
		}, nil
	}
	w.hits = append(w.hits, now)
	return Decision{
		Allowed:   true,
		Count:     len(w.hits),
		Limit:     limit,
		Remaining: limit - len(w.hits),
	}, nil
}

// prune drops hits that are a full window old.
func (w *window) prune(now time.Time, win time.Duration) {
	i := 0
	for i < len(w.hits) && !now.Before(w.hits[i].Add(win)) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

func (l *InMemoryLimiter) sweep(now time.Time) {
	for k, w := range l.items {
		w.prune(now, w.maxAge)
		if len(w.hits) == 0 {
			delete(l.items, k)
		}
	}
}

// Len reports the number of tracked keys.
func (l *InMemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
