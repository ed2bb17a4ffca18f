package app

import (
	"net/http"
	"sync"
	"time"

	"github.com/medrex/clinic-timeline/internal/scheduling"
	"github.com/medrex/clinic-timeline/pkg/logger"
	"github.com/medrex/clinic-timeline/pkg/types"
)

// corsMiddleware answers preflight requests for the configured origin
func corsMiddleware(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-Request-ID, Last-Event-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// securityHeadersMiddleware adds security headers
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// writeLimiter is a per-user token bucket over mutating requests. Reads and
// the change feed are never limited.
type writeLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   float64
	period  time.Duration
	now     func() time.Time
}

const maxBuckets = 10000

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func newWriteLimiter(perMinute int) *writeLimiter {
	return &writeLimiter{
		buckets: make(map[string]*bucket),
		limit:   float64(perMinute),
		period:  time.Minute,
		now:     time.Now,
	}
}

// allow takes one token from the user's bucket, refilling it continuously
func (l *writeLimiter) allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[userID]
	if !ok {
		if len(l.buckets) >= maxBuckets {
			l.pruneLocked(now)
		}
		b = &bucket{tokens: l.limit, lastRefill: now}
		l.buckets[userID] = b
	}

	elapsed := now.Sub(b.lastRefill)
	b.tokens += elapsed.Seconds() * l.limit / l.period.Seconds()
	if b.tokens > l.limit {
		b.tokens = l.limit
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// pruneLocked drops buckets that have refilled completely
func (l *writeLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.period)
	for userID, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, userID)
		}
	}
}

func (l *writeLimiter) middleware(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			userID := scheduling.UserIDFromRequest(r)
			if !l.allow(userID) {
				log.WithComponent("http").WithField("user_id", userID).Warn("Write rate limit exceeded")
				w.Header().Set("Retry-After", "1")
				scheduling.WriteJSON(w, log, http.StatusTooManyRequests, map[string]interface{}{
					"error":     http.StatusText(http.StatusTooManyRequests),
					"status":    http.StatusTooManyRequests,
					"type":      types.ErrorTypeTransientIO,
					"message":   "write rate limit exceeded",
					"retryable": true,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
