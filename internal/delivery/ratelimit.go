package delivery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyLimiter applies a token bucket per subscription and evicts idle buckets.
type keyLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*bucket
	hits  uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newKeyLimiter returns nil when rps is not positive, which disables limiting.
func newKeyLimiter(rps float64, burst int) *keyLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &keyLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		byKey:   make(map[string]*bucket),
	}
}

// Wait blocks until key may send one request or ctx is done.
func (l *keyLimiter) Wait(ctx context.Context, key string) error {
	if l == nil {
		return nil
	}
	return l.get(key, time.Now()).Wait(ctx)
}

func (l *keyLimiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byKey[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = b
	}
	b.lastSeen = now

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return b.limiter
}
