package gateway

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucketBurstThenRefuse(t *testing.T) {
	limiter := newTokenBucketLimiter(60, 0)

	// Burst capacity is perMinute/4, floor 5.
	allowed := 0
	for i := 0; i < 30; i++ {
		if limiter.Allow("10.0.0.1") {
			allowed++
		}
	}
	assert.Equal(t, 15, allowed)

	// A different key has its own bucket.
	assert.True(t, limiter.Allow("10.0.0.2"))
}

func TestTokenBucketRefills(t *testing.T) {
	limiter := newTokenBucketLimiter(6000, 0) // 100/s

	for limiter.Allow("k") {
	}
	assert.False(t, limiter.Allow("k"))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, limiter.Allow("k"))
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, newTokenBucketLimiter(60, 0).RetryAfterSeconds())
	assert.Equal(t, 6, newTokenBucketLimiter(10, 0).RetryAfterSeconds())
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("POST", "/graphql", nil)
	r.RemoteAddr = "192.0.2.7:51234"
	assert.Equal(t, "192.0.2.7", clientKey(r))

	r.Header.Set("X-Real-IP", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", clientKey(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	assert.Equal(t, "198.51.100.4", clientKey(r))
}
