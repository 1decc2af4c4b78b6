package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// tokenLimiter is a simple token bucket per key. Buckets refill continuously
// at rate tokens per second up to burst.
type tokenLimiter struct {
	mu      sync.Mutex
	rate    float64
	burst   float64
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newTokenLimiter(rate float64, burst int) *tokenLimiter {
	return &tokenLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
	}
}

func (l *tokenLimiter) allow(key string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens = minFloat(l.burst, b.tokens+elapsed*l.rate)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

type RateLimitConfig struct {
	PerIPRate       float64
	PerIPBurst      int
	PerSessionRate  float64
	PerSessionBurst int
}

// RateLimitMiddleware throttles by client IP, and additionally by session id
// when the request carries one.
func RateLimitMiddleware(cfg RateLimitConfig, next http.Handler) http.Handler {
	ipLimiter := newTokenLimiter(cfg.PerIPRate, cfg.PerIPBurst)
	sessionLimiter := newTokenLimiter(cfg.PerSessionRate, cfg.PerSessionBurst)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ipLimiter.allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		if sessionID := sessionIDFromRequest(r); sessionID != "" {
			if !sessionLimiter.allow(sessionID) {
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
