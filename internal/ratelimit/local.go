package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// LocalLimiter keeps one in-process limiter per key. It is used when the api
// runs without Redis, so limits are per instance.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewLocalLimiter(capacity int, refillPerSecond float64) *LocalLimiter {
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(refillPerSecond),
		burst:    capacity,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	return l.limiter(key).Allow(), nil
}

func (l *LocalLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = lim
	}
	return lim
}
