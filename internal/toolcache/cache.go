// Package toolcache implements a TTL + max-entries cache keyed by tool
// name, normalized arguments, and normalized goal. Grounded on the
// dedupe-cache touch/prune/oldest-eviction idiom: a mutex-guarded map
// with insertion-order re-stamping and a linear-scan eviction on overflow.
package toolcache

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mcpcp/proxy/internal/mcp"
	"github.com/mcpcp/proxy/internal/observability"
)

// entry is one stored cache value.
type entry struct {
	value     *mcp.ToolCallResult
	timestamp int64 // unix millis
	ttlMillis int64
}

// Cache is the in-memory tool-result cache. All operations are guarded by
// a single mutex so no individual get/set/evict interleaves with another.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	order      []string // insertion order, oldest first
	maxEntries int

	metrics *observability.Metrics
}

// New builds an empty cache bounded to maxEntries.
func New(maxEntries int) *Cache {
	return &Cache{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
	}
}

// SetMetrics installs the metrics recorder. A nil metrics makes every
// Record* call a no-op.
func (c *Cache) SetMetrics(m *observability.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// nowMillis is the monotonic clock source; overridden in tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// Get returns the cached value for key if present and unexpired. Expired
// entries are deleted on read.
func (c *Cache) Get(key string) (*mcp.ToolCallResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.recordLookup("miss")
		return nil, false
	}
	if c.expired(e) {
		c.delete(key)
		c.recordLookup("miss")
		return nil, false
	}
	c.recordLookup("hit")
	return e.value, true
}

// recordLookup reports a cache lookup outcome to the metrics recorder, if
// one is installed. Callers hold c.mu.
func (c *Cache) recordLookup(outcome string) {
	if c.metrics != nil {
		c.metrics.CacheLookup(outcome)
	}
}

// recordSize reports the current entry count to the metrics recorder, if
// one is installed. Callers hold c.mu.
func (c *Cache) recordSize() {
	if c.metrics != nil {
		c.metrics.SetCacheSize(len(c.entries))
	}
}

// Has reports whether key is present and unexpired, without reading the
// value.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.expired(e) {
		c.delete(key)
		return false
	}
	return true
}

// Set stores value under key with the given TTL in seconds. If the cache
// is at capacity, the single oldest-by-insertion-timestamp entry is
// evicted first.
func (c *Cache) Set(key string, value *mcp.ToolCallResult, ttlSeconds int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	if _, exists := c.entries[key]; exists {
		c.removeFromOrder(key)
	}

	c.entries[key] = &entry{
		value:     value,
		timestamp: nowMillis(),
		ttlMillis: int64(ttlSeconds) * 1000,
	}
	c.order = append(c.order, key)
	c.recordSize()
}

// Size returns the current entry count, including not-yet-expired and
// expired-but-not-yet-swept entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cleanup sweeps all expired entries and returns the count removed. It is
// caller-driven — the cache has no background sweeper of its own.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	now := nowMillis()
	for _, key := range append([]string(nil), c.order...) {
		e, ok := c.entries[key]
		if !ok {
			continue
		}
		if now-e.timestamp > e.ttlMillis {
			c.delete(key)
			removed++
		}
	}
	if removed > 0 {
		c.recordSize()
	}
	return removed
}

// Clear removes every entry, used after a hot-reload config swap.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.order = nil
	c.recordSize()
}

func (c *Cache) expired(e *entry) bool {
	return nowMillis()-e.timestamp > e.ttlMillis
}

func (c *Cache) delete(key string) {
	delete(c.entries, key)
	c.removeFromOrder(key)
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// evictOldest removes the entry with the smallest stored timestamp,
// breaking ties by insertion order.
func (c *Cache) evictOldest() {
	if len(c.order) == 0 {
		return
	}

	oldestIdx := 0
	oldestTS := c.entries[c.order[0]].timestamp
	for i, key := range c.order {
		ts := c.entries[key].timestamp
		if ts < oldestTS {
			oldestTS = ts
			oldestIdx = i
		}
	}
	oldestKey := c.order[oldestIdx]
	delete(c.entries, oldestKey)
	c.order = append(c.order[:oldestIdx], c.order[oldestIdx+1:]...)
}

var punctuationPattern = regexp.MustCompile(`[^\w\s]`)

// NormalizeGoal lowercases, strips punctuation matching [^\w\s], and trims
// the goal hint so semantically-equal goals collapse to the same cache
// bucket.
func NormalizeGoal(goal string) string {
	lowered := strings.ToLower(goal)
	stripped := punctuationPattern.ReplaceAllString(lowered, "")
	return strings.TrimSpace(stripped)
}

// CanonicalArgsJSON renders args as JSON with object keys sorted
// lexicographically at every level, so semantically-equal argument sets
// produce identical keys regardless of original key order. encoding/json
// already sorts map[string]any keys at every nesting level when
// marshaling, so a plain Marshal gives us canonical form for free.
func CanonicalArgsJSON(args map[string]any) string {
	data, _ := json.Marshal(args)
	return string(data)
}

// Key builds the compressed-result cache key:
// "compressed:{toolName}:{canonicalArgsJson}[:normalizedGoal]".
func Key(toolName string, args map[string]any, goal string) string {
	var b strings.Builder
	b.WriteString("compressed:")
	b.WriteString(toolName)
	b.WriteByte(':')
	b.WriteString(CanonicalArgsJSON(args))
	if goal != "" {
		b.WriteByte(':')
		b.WriteString(NormalizeGoal(goal))
	}
	return b.String()
}
