// Package retrytracker counts repeated tool calls within a sliding window
// and derives an escalation multiplier that widens the compressor's
// output budget when a client keeps re-invoking the same tool. Grounded
// on internal/ratelimit.Limiter's per-key map with double-checked
// locking, with the token-bucket refill math replaced by a pruned
// timestamp slice.
package retrytracker

import (
	"context"
	"sync"
	"time"

	"github.com/mcpcp/proxy/internal/observability"
)

// Config mirrors resolver.RetryEscalationPolicy.
type Config struct {
	Enabled         bool
	WindowSeconds   int
	TokenMultiplier float64
}

// Tracker holds one timestamp slice per tool name.
type Tracker struct {
	mu      sync.Mutex
	calls   map[string][]int64 // unix millis, oldest first
	metrics *observability.Metrics
}

// New builds an empty tracker.
func New() *Tracker {
	return &Tracker{calls: make(map[string][]int64)}
}

// SetMetrics installs the metrics recorder. A nil metrics makes every
// Record* call a no-op.
func (t *Tracker) SetMetrics(m *observability.Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
}

// nowMillis is the monotonic clock source; overridden in tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// RecordCall appends a call timestamp for toolName. Callers must not
// record a call abandoned before reaching the upstream.
func (t *Tracker) RecordCall(toolName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[toolName] = append(t.calls[toolName], nowMillis())
}

// GetEscalationMultiplier prunes timestamps older than cfg.WindowSeconds,
// then returns 1 + max(0, n-1) * cfg.TokenMultiplier where n is the
// remaining count including the just-recorded call.
func (t *Tracker) GetEscalationMultiplier(toolName string, cfg Config) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	timestamps := t.prune(toolName, cfg.WindowSeconds)
	n := len(timestamps)

	extra := n - 1
	if extra < 0 {
		extra = 0
	}
	multiplier := 1 + float64(extra)*cfg.TokenMultiplier
	if t.metrics != nil {
		t.metrics.RecordRetryEscalation(toolName, multiplier)
	}
	return multiplier
}

// prune removes timestamps older than windowSeconds for toolName and
// returns the surviving slice. Must be called with t.mu held.
func (t *Tracker) prune(toolName string, windowSeconds int) []int64 {
	timestamps := t.calls[toolName]
	if len(timestamps) == 0 {
		return timestamps
	}

	cutoff := nowMillis() - int64(windowSeconds)*1000
	kept := timestamps[:0:0]
	for _, ts := range timestamps {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	t.calls[toolName] = kept
	return kept
}

// Cleanup removes tool entries with no calls remaining inside
// windowSeconds, competing safely with RecordCall for the same lock.
func (t *Tracker) Cleanup(windowSeconds int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for tool := range t.calls {
		if len(t.prune(tool, windowSeconds)) == 0 {
			delete(t.calls, tool)
			removed++
		}
	}
	return removed
}

// RunPeriodicCleanup starts a goroutine that calls Cleanup(windowSeconds)
// on interval until ctx is cancelled. The returned stop function blocks
// until the goroutine has exited.
func (t *Tracker) RunPeriodicCleanup(ctx context.Context, windowSeconds int, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Cleanup(windowSeconds)
			}
		}
	}()
	return func() { <-done }
}
