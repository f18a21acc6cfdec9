package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"guardrail/pkg/httpx"
)

// Verdict is the outcome of one Allow call against an HTTP request
// limiter. This is API surface protection only; the policy engine's own
// per-operation rate limits live in pkg/engine.
type Verdict struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Verdict
}

// InMemoryLimiter counts requests per key in fixed windows.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{window: window, items: map[string]entry{}}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Verdict {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Verdict{
		Allowed:   curr.count <= limit,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

// Middleware rejects callers over limit with 429. Keyed by caller id
// header when present, else remote address.
func Middleware(limiter Limiter, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Caller-ID")
			if key == "" {
				key = r.RemoteAddr
			}
			if v := limiter.Allow(key, limit); !v.Allowed {
				w.Header().Set("Retry-After", v.ResetAt.UTC().Format(http.TimeFormat))
				httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
