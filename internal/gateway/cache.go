package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// wallClockVariables are stripped from fingerprint inputs so that a cache
// hit stays byte-identical to a fresh execution modulo timestamps.
var wallClockVariables = map[string]bool{
	"timestamp": true,
	"now":       true,
	"asOf":      true,
}

// CacheEntry is one cached response.
type CacheEntry struct {
	Body      []byte
	CreatedAt time.Time
	TTL       time.Duration
	Subgraphs []string
}

func (e *CacheEntry) expired(now time.Time) bool {
	return now.After(e.CreatedAt.Add(e.TTL))
}

// ResponseCache deduplicates idempotent queries for short TTL windows.
// Reads are concurrent; writes and invalidation are serialized.
type ResponseCache struct {
	mu         sync.RWMutex
	entries    map[string]*CacheEntry
	defaultTTL time.Duration
	ttlByField map[string]time.Duration
}

// NewResponseCache creates a cache with the given default TTL.
func NewResponseCache(defaultTTL time.Duration) *ResponseCache {
	return &ResponseCache{
		entries:    make(map[string]*CacheEntry),
		defaultTTL: defaultTTL,
		ttlByField: map[string]time.Duration{
			// Status-like queries stay fresh.
			"repoAgentHealth":     5 * time.Second,
			"claudeHealth":        5 * time.Second,
			"preWarmMetrics":      5 * time.Second,
			"runStatistics":       5 * time.Second,
			// Read-only scans.
			"scanAllRepositories": 30 * time.Second,
			"listSessions":        30 * time.Second,
			// Expensive detailed scans.
			"scanAllDetailed":     300 * time.Second,
		},
	}
}

// Fingerprint hashes (canonical operation text, variables, session scope).
func Fingerprint(canonicalQuery string, variables map[string]any, sessionScope string) string {
	h := sha256.New()
	h.Write([]byte(canonicalQuery))
	h.Write([]byte{0})
	h.Write(canonicalVariables(variables))
	h.Write([]byte{0})
	h.Write([]byte(sessionScope))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalVariables marshals variables with sorted keys, wall-clock
// fields stripped.
func canonicalVariables(variables map[string]any) []byte {
	if len(variables) == 0 {
		return nil
	}
	keys := make([]string, 0, len(variables))
	for k := range variables {
		if wallClockVariables[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v, _ := json.Marshal(variables[k])
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(v)
		b.WriteByte(';')
	}
	return []byte(b.String())
}

// TTLFor returns the TTL for a set of top-level fields: the minimum of the
// per-field table entries, or the default when none match.
func (c *ResponseCache) TTLFor(fields []string) time.Duration {
	ttl := time.Duration(0)
	for _, f := range fields {
		if t, ok := c.ttlByField[f]; ok {
			if ttl == 0 || t < ttl {
				ttl = t
			}
		}
	}
	if ttl == 0 {
		return c.defaultTTL
	}
	return ttl
}

// Get returns the cached body for a fingerprint if fresh.
func (c *ResponseCache) Get(fingerprint string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[fingerprint]
	if !ok || entry.expired(time.Now()) {
		return nil, false
	}
	return entry.Body, true
}

// Put stores a response body with its originating subgraphs.
func (c *ResponseCache) Put(fingerprint string, body []byte, ttl time.Duration, subgraphs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = &CacheEntry{
		Body:      body,
		CreatedAt: time.Now(),
		TTL:       ttl,
		Subgraphs: subgraphs,
	}
}

// InvalidateSubgraphs removes every entry whose originating-subgraph set
// overlaps the given subgraphs. Single-pass scan.
func (c *ResponseCache) InvalidateSubgraphs(subgraphs []string) int {
	touched := make(map[string]bool, len(subgraphs))
	for _, s := range subgraphs {
		touched[s] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		for _, s := range entry.Subgraphs {
			if touched[s] {
				delete(c.entries, key)
				removed++
				break
			}
		}
	}
	return removed
}

// Len returns the live entry count (expired entries included until swept).
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RunEviction sweeps expired entries until ctx is cancelled.
func (c *ResponseCache) RunEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, entry := range c.entries {
				if entry.expired(now) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
