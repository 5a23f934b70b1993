package gateway

import (
	"sort"
	"sync"
	"time"
)

const latencyWindow = 1024

// Metrics aggregates request counters and a sliding latency window for the
// /metrics endpoint.
type Metrics struct {
	mu        sync.Mutex
	requests  int64
	errors    int64
	latencies []time.Duration
	next      int
	filled    bool
}

// NewMetrics creates an empty metrics aggregate.
func NewMetrics() *Metrics {
	return &Metrics{latencies: make([]time.Duration, latencyWindow)}
}

// Observe records one request outcome.
func (m *Metrics) Observe(d time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if failed {
		m.errors++
	}
	m.latencies[m.next] = d
	m.next++
	if m.next == len(m.latencies) {
		m.next = 0
		m.filled = true
	}
}

// Snapshot returns counters plus average/p95/p99 latency in milliseconds.
func (m *Metrics) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.filled {
		n = len(m.latencies)
	}
	window := make([]time.Duration, n)
	copy(window, m.latencies[:n])

	var avg, p95, p99 float64
	if n > 0 {
		sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
		var total time.Duration
		for _, d := range window {
			total += d
		}
		avg = float64(total.Microseconds()) / float64(n) / 1000.0
		p95 = float64(window[percentileIndex(n, 95)].Microseconds()) / 1000.0
		p99 = float64(window[percentileIndex(n, 99)].Microseconds()) / 1000.0
	}

	return map[string]any{
		"requests":       m.requests,
		"errors":         m.errors,
		"avg_latency_ms": avg,
		"p95_latency_ms": p95,
		"p99_latency_ms": p99,
	}
}

func percentileIndex(n, pct int) int {
	idx := n*pct/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}
