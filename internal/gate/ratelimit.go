package gate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per organization
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requestsPerMinute per organization with the given burst
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	if burst <= 0 {
		burst = max(1, requestsPerMinute/10)
	}
	return &RateLimiter{
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow reports whether the organization may make another request now
func (r *RateLimiter) Allow(orgID string) bool {
	now := r.now()
	return r.getBucket(orgID, now).AllowN(now, 1)
}

// getBucket gets or creates the limiter for an organization
func (r *RateLimiter) getBucket(orgID string, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[orgID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[orgID] = b
	}
	b.lastSeen = now
	return b.limiter
}

// CleanupOldBuckets removes buckets idle for longer than maxIdle
func (r *RateLimiter) CleanupOldBuckets(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxIdle)
	removed := 0
	for orgID, b := range r.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(r.buckets, orgID)
			removed++
		}
	}
	return removed
}

// StartCleanupRoutine removes idle buckets every interval until stop is closed
func (r *RateLimiter) StartCleanupRoutine(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.CleanupOldBuckets(time.Hour)
			case <-stop:
				return
			}
		}
	}()
}
