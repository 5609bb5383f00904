package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
)

// RateLimit limits each client IP to limit requests per window with a shared
// limiter, so the budget holds across API replicas. Limiter errors fail
// open.
func RateLimit(limiter domain.RateLimiter, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := limiter.Allow(r.Context(), "api:"+clientIP(r), limit, window)
			if err == nil && !allowed {
				rejectRateLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LocalRateLimit is RateLimit for a single process: a token bucket per client
// IP refilled at limit per window with a burst of limit.
func LocalRateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	buckets := newBucketSet(rate.Limit(float64(limit)/window.Seconds()), limit)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !buckets.get(clientIP(r)).Allow() {
				rejectRateLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bucketSet holds one limiter per client. Idle entries are pruned whenever
// the set grows past maxClients.
type bucketSet struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const (
	maxClients = 10000
	idleAfter  = 10 * time.Minute
)

func newBucketSet(limit rate.Limit, burst int) *bucketSet {
	return &bucketSet{limit: limit, burst: burst, buckets: make(map[string]*bucket)}
}

func (s *bucketSet) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	b, ok := s.buckets[key]
	if !ok {
		if len(s.buckets) >= maxClients {
			for k, v := range s.buckets {
				if now.Sub(v.seen) > idleAfter {
					delete(s.buckets, k)
				}
			}
		}
		b = &bucket{lim: rate.NewLimiter(s.limit, s.burst)}
		s.buckets[key] = b
	}
	b.seen = now
	return b.lim
}

func rejectRateLimited(w http.ResponseWriter) {
	metrics.APIRejectedTotal.Inc()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
