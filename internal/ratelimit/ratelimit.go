// Package ratelimit implements per-user token bucket rate limiting.
package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/muawin/muawin/internal/logging"
	"github.com/muawin/muawin/internal/metrics"
	"github.com/muawin/muawin/pkg/protocol"
)

// Limiter holds one token bucket per user. rpm 0 means unlimited.
type Limiter struct {
	mu      sync.Mutex
	rpm     int
	buckets map[string]*tokenBucket
	now     func() time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// New creates a limiter allowing rpm requests per minute per user.
func New(rpm int) *Limiter {
	return &Limiter{
		rpm:     rpm,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

func (l *Limiter) refillRate() float64 {
	return float64(l.rpm) / 60.0
}

// Allow checks if a request from the given user should be allowed.
func (l *Limiter) Allow(userID string) bool {
	if l.rpm <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bucket, ok := l.buckets[userID]
	if !ok {
		bucket = &tokenBucket{tokens: float64(l.rpm), lastRefill: now}
		l.buckets[userID] = bucket
	}

	bucket.tokens += now.Sub(bucket.lastRefill).Seconds() * l.refillRate()
	if bucket.tokens > float64(l.rpm) {
		bucket.tokens = float64(l.rpm)
	}
	bucket.lastRefill = now

	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--
	return true
}

// RetryAfter returns the number of seconds until the next token is available.
func (l *Limiter) RetryAfter(userID string) int {
	if l.rpm <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[userID]
	if !ok || bucket.tokens >= 1 {
		return 0
	}
	return int((1.0-bucket.tokens)/l.refillRate()) + 1
}

// Cleanup removes buckets for users that haven't been seen recently.
func (l *Limiter) Cleanup(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	removed := 0
	for id, bucket := range l.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}

// RunCleanup sweeps idle buckets every interval until ctx is done.
func (l *Limiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup(2 * interval)
		}
	}
}

// UserFunc extracts the caller identity from the request context.
type UserFunc func(ctx context.Context) (userID string, ok bool)

// Middleware enforces the limit for identified callers. Requests without an
// identity pass through; auth runs first and rejects those.
func (l *Limiter) Middleware(user UserFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := user(r.Context())
			if !ok || l.Allow(id) {
				next.ServeHTTP(w, r)
				return
			}

			metrics.RecordRateLimitHit()
			w.Header().Set("Retry-After", strconv.Itoa(l.RetryAfter(id)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(protocol.ErrorResponse{
				Error:     "rate limit exceeded",
				Code:      http.StatusTooManyRequests,
				RequestID: logging.GetRequestID(r.Context()),
			})
		})
	}
}
