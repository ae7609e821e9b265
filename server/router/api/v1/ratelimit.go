package v1

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter is a per-user token bucket for the chat endpoint. Buckets are
// created lazily and pruned when stale.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[int32]*userBucket
	limit   rate.Limit
	burst   int
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		buckets: make(map[int32]*userBucket),
		limit:   rate.Every(2 * time.Second),
		burst:   5,
	}
}

func (l *rateLimiter) Allow(userID int32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	bucket, ok := l.buckets[userID]
	if !ok {
		bucket = &userBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[userID] = bucket
	}
	bucket.lastSeen = now

	if len(l.buckets) > 1024 {
		for id, b := range l.buckets {
			if now.Sub(b.lastSeen) > time.Hour {
				delete(l.buckets, id)
			}
		}
	}

	return bucket.limiter.Allow()
}
