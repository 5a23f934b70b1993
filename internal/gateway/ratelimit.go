package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// tokenBucketLimiter implements per-key token bucket rate limiting.
type tokenBucketLimiter struct {
	rate     float64 // tokens per second
	capacity float64
	buckets  map[string]*bucket
	mu       sync.Mutex
	cleanup  time.Duration
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// newTokenBucketLimiter creates a limiter allowing perMinute requests per
// key with a burst of perMinute/4 (minimum 5).
func newTokenBucketLimiter(perMinute int, cleanup time.Duration) *tokenBucketLimiter {
	burst := float64(perMinute) / 4
	if burst < 5 {
		burst = 5
	}
	l := &tokenBucketLimiter{
		rate:     float64(perMinute) / 60.0,
		capacity: burst,
		buckets:  make(map[string]*bucket),
		cleanup:  cleanup,
	}
	go l.cleanupLoop()
	return l
}

// Allow consumes one token for the key, reporting whether the request may
// proceed.
func (l *tokenBucketLimiter) Allow(key string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, lastSeen: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastSeen).Seconds()
	b.lastSeen = now
	b.tokens += elapsed * l.rate
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

// RetryAfterSeconds estimates how long until one token is available.
func (l *tokenBucketLimiter) RetryAfterSeconds() int {
	if l.rate <= 0 {
		return 60
	}
	secs := int(1.0 / l.rate)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (l *tokenBucketLimiter) cleanupLoop() {
	if l.cleanup <= 0 {
		return
	}
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-l.cleanup)
		l.mu.Lock()
		for key, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}

// clientKey extracts the rate-limiting key (client IP) from a request.
func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
