package auth

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a per-token request budget. Execute streams are
// long-lived, so budgets are deliberately small; the limiter exists to
// stop request storms, not to meter throughput.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rate    rate.Limit
	burst   int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with the
// given burst per key.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*limiterEntry),
		rate:    rate.Limit(requestsPerSecond),
		burst:   burst,
	}
}

// DefaultRateLimiter returns a rate limiter with sensible defaults.
func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(2, 5)
}

// Allow reports whether a request under the given key fits the budget.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(r.rate, r.burst)}
		r.entries[key] = entry
	}
	entry.lastSeen = time.Now()
	r.mu.Unlock()

	return entry.limiter.Allow()
}

// Cleanup drops keys idle for longer than maxAge. Called periodically
// by the maintenance scheduler to bound memory.
func (r *RateLimiter) Cleanup(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(r.entries, key)
		}
	}
}

// RateLimitMiddleware rejects requests over the per-token budget with
// 429. Must run after Middleware so the token is on the context;
// unauthenticated requests fall back to the remote address as key.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())

			key := r.RemoteAddr
			if authCtx != nil && authCtx.Token != nil {
				key = authCtx.Token.ID
			}

			if !limiter.Allow(key) {
				w.Header().Set("Retry-After", "1")
				jsonError(w, "Rate limit exceeded. Please slow down.", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
