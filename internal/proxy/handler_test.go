package proxy

import (
	"context"
	"testing"

	"github.com/mcpcp/proxy/internal/aggregator"
	"github.com/mcpcp/proxy/internal/compressor"
	"github.com/mcpcp/proxy/internal/mcp"
	"github.com/mcpcp/proxy/internal/proxyconfig"
	"github.com/mcpcp/proxy/internal/resolver"
	"github.com/mcpcp/proxy/internal/retrytracker"
	"github.com/mcpcp/proxy/internal/router"
	"github.com/mcpcp/proxy/internal/toolcache"
)

type fakeUpstreamClient struct {
	callCount int
	result    *mcp.ToolCallResult
}

func (f *fakeUpstreamClient) Tools() []*mcp.MCPTool         { return nil }
func (f *fakeUpstreamClient) Resources() []*mcp.MCPResource { return nil }
func (f *fakeUpstreamClient) Prompts() []*mcp.MCPPrompt     { return nil }
func (f *fakeUpstreamClient) RefreshCapabilities(ctx context.Context) error {
	return nil
}
func (f *fakeUpstreamClient) CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.ToolCallResult, error) {
	f.callCount++
	return f.result, nil
}
func (f *fakeUpstreamClient) ReadResource(ctx context.Context, uri string) ([]*mcp.ResourceContent, error) {
	return nil, nil
}
func (f *fakeUpstreamClient) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*mcp.GetPromptResult, error) {
	return nil, nil
}

type fakeCache struct {
	store      map[string]*mcp.ToolCallResult
	getCalls   int
	setCalls   int
	lastSetKey string
	lastSetTTL int
}

func newFakeCache() *fakeCache { return &fakeCache{store: map[string]*mcp.ToolCallResult{}} }

func (c *fakeCache) Get(key string) (*mcp.ToolCallResult, bool) {
	c.getCalls++
	v, ok := c.store[key]
	return v, ok
}
func (c *fakeCache) Set(key string, value *mcp.ToolCallResult, ttlSeconds int) {
	c.setCalls++
	c.lastSetKey = key
	c.lastSetTTL = ttlSeconds
	c.store[key] = value
}

type fakeTracker struct {
	recorded   []string
	multiplier float64
}

func (t *fakeTracker) RecordCall(toolName string) { t.recorded = append(t.recorded, toolName) }
func (t *fakeTracker) GetEscalationMultiplier(toolName string, cfg retrytracker.Config) float64 {
	if t.multiplier == 0 {
		return 1
	}
	return t.multiplier
}

type fakeCompressor struct {
	calls          int
	lastMultiplier *float64
	passthrough    bool
}

func (c *fakeCompressor) CompressToolResult(ctx context.Context, result *mcp.ToolCallResult, toolName, goal string, escalationMultiplier *float64, policy compressor.Policy) *mcp.ToolCallResult {
	c.calls++
	c.lastMultiplier = escalationMultiplier
	if c.passthrough {
		return result
	}
	return &mcp.ToolCallResult{Content: []mcp.ToolResultContent{{Type: "text", Text: "compressed"}}}
}

func textResult(text string) *mcp.ToolCallResult {
	return &mcp.ToolCallResult{Content: []mcp.ToolResultContent{{Type: "text", Text: text}}}
}

func buildGeneration(t *testing.T, cfg *proxyconfig.Config, client *fakeUpstreamClient) *Generation {
	t.Helper()
	res := resolver.New(cfg, false)
	agg := aggregator.New(res, nil)
	agg.RegisterClient("u", client)
	rtr := router.New(agg, nil, res, false)
	return NewGeneration(nil, res, agg, rtr)
}

func TestCallToolCacheHitSkipsRouting(t *testing.T) {
	cfg := &proxyconfig.Config{Cache: proxyconfig.CacheConfig{Enabled: true, TTLSeconds: 60}}
	client := &fakeUpstreamClient{result: textResult("live")}
	gen := buildGeneration(t, cfg, client)

	cache := newFakeCache()
	comp := &fakeCompressor{passthrough: true}
	h := NewHandler(gen, cache, &fakeTracker{}, comp, false, nil, nil)

	key := toolcache.Key("u__search", map[string]any{"q": "x"}, "")
	cache.store[key] = textResult("cached")

	got, err := h.CallTool(context.Background(), "u__search", map[string]any{"q": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Content[0].Text != "cached" {
		t.Errorf("expected cached result, got %+v", got)
	}
	if client.callCount != 0 {
		t.Error("expected upstream not to be called on cache hit")
	}
}

func TestCallToolCacheKeyIgnoresGoalCasingAndStripsHintFields(t *testing.T) {
	cfg := &proxyconfig.Config{Cache: proxyconfig.CacheConfig{Enabled: true, TTLSeconds: 60}}
	client := &fakeUpstreamClient{result: textResult("live")}
	gen := buildGeneration(t, cfg, client)

	cache := newFakeCache()
	comp := &fakeCompressor{passthrough: true}
	h := NewHandler(gen, cache, &fakeTracker{}, comp, false, nil, nil)

	// Cache key is seeded using the canonical (hint-stripped) args plus a
	// normalized goal.
	key := toolcache.Key("u__search", map[string]any{"q": "x"}, "find auth")
	cache.store[key] = textResult("cached")

	got, err := h.CallTool(context.Background(), "u__search", map[string]any{
		"q":                "x",
		router.GoalField:   "Find, Auth!",
		router.BypassField: false,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Content[0].Text != "cached" {
		t.Errorf("expected cache hit despite differently-cased/punctuated goal and present hint fields, got %+v", got)
	}
	if client.callCount != 0 {
		t.Error("expected upstream not to be called on cache hit")
	}
}

func TestCallToolCachesResultAfterCompression(t *testing.T) {
	cfg := &proxyconfig.Config{Cache: proxyconfig.CacheConfig{Enabled: true, TTLSeconds: 30}}
	client := &fakeUpstreamClient{result: textResult("live")}
	gen := buildGeneration(t, cfg, client)

	cache := newFakeCache()
	comp := &fakeCompressor{}
	h := NewHandler(gen, cache, &fakeTracker{}, comp, false, nil, nil)

	got, err := h.CallTool(context.Background(), "u__search", map[string]any{"q": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Content[0].Text != "compressed" {
		t.Errorf("expected compressed result, got %+v", got)
	}
	if cache.setCalls != 1 {
		t.Errorf("expected exactly one cache store, got %d", cache.setCalls)
	}
	if cache.lastSetTTL != 30 {
		t.Errorf("expected ttl 30, got %d", cache.lastSetTTL)
	}
}

func TestCallToolBypassSkipsCompression(t *testing.T) {
	cfg := &proxyconfig.Config{}
	client := &fakeUpstreamClient{result: textResult("live")}
	gen := buildGeneration(t, cfg, client)

	comp := &fakeCompressor{}
	h := NewHandler(gen, nil, &fakeTracker{}, comp, false, nil, nil)

	got, err := h.CallTool(context.Background(), "u__search", map[string]any{"q": "x", router.BypassField: true})
	if err != nil {
		t.Fatal(err)
	}
	if got.Content[0].Text != "live" {
		t.Errorf("expected raw live result on bypass, got %+v", got)
	}
	if comp.calls != 0 {
		t.Error("expected compressor not invoked on bypass")
	}
}

func TestCallToolRetryEscalationRecordsAndPassesMultiplier(t *testing.T) {
	cfg := &proxyconfig.Config{RetryEscalation: proxyconfig.RetryEscalationConfig{Enabled: true, WindowSeconds: 10, TokenMultiplier: 0.5}}
	client := &fakeUpstreamClient{result: textResult("live")}
	gen := buildGeneration(t, cfg, client)

	tracker := &fakeTracker{multiplier: 1.5}
	comp := &fakeCompressor{passthrough: true}
	h := NewHandler(gen, nil, tracker, comp, false, nil, nil)

	_, err := h.CallTool(context.Background(), "u__search", map[string]any{"q": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tracker.recorded) != 1 || tracker.recorded[0] != "u__search" {
		t.Errorf("expected call recorded, got %v", tracker.recorded)
	}
	if comp.lastMultiplier == nil || *comp.lastMultiplier != 1.5 {
		t.Errorf("expected multiplier 1.5 passed to compressor, got %v", comp.lastMultiplier)
	}
}

func TestCallToolSkipsCacheWhenDisabled(t *testing.T) {
	cfg := &proxyconfig.Config{Cache: proxyconfig.CacheConfig{Enabled: false}}
	client := &fakeUpstreamClient{result: textResult("live")}
	gen := buildGeneration(t, cfg, client)

	cache := newFakeCache()
	comp := &fakeCompressor{passthrough: true}
	h := NewHandler(gen, cache, &fakeTracker{}, comp, false, nil, nil)

	h.CallTool(context.Background(), "u__search", map[string]any{"q": "x"})
	if cache.setCalls != 0 {
		t.Error("expected no cache store when cache policy disabled")
	}
}

func TestCallToolSkipsCacheOnUncachedError(t *testing.T) {
	cfg := &proxyconfig.Config{Cache: proxyconfig.CacheConfig{Enabled: true, TTLSeconds: 30, CacheErrors: false}}
	client := &fakeUpstreamClient{result: &mcp.ToolCallResult{Content: []mcp.ToolResultContent{{Type: "text", Text: "boom"}}, IsError: true}}
	gen := buildGeneration(t, cfg, client)

	cache := newFakeCache()
	comp := &fakeCompressor{passthrough: true}
	h := NewHandler(gen, cache, &fakeTracker{}, comp, false, nil, nil)

	h.CallTool(context.Background(), "u__search", map[string]any{"q": "x"})
	if cache.setCalls != 0 {
		t.Error("expected error result not to be cached when cacheErrors is false")
	}
}

func TestCallToolNotFoundToolNeverCached(t *testing.T) {
	cfg := &proxyconfig.Config{Cache: proxyconfig.CacheConfig{Enabled: true, TTLSeconds: 30}}
	client := &fakeUpstreamClient{result: textResult("live")}
	gen := buildGeneration(t, cfg, client)

	cache := newFakeCache()
	comp := &fakeCompressor{passthrough: true}
	h := NewHandler(gen, cache, &fakeTracker{}, comp, false, nil, nil)

	got, err := h.CallTool(context.Background(), "u__missing", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsError {
		t.Error("expected not-found result to be error-typed")
	}
	if cache.setCalls != 0 {
		t.Error("expected not-found result not to be cached (unresolved tool bypasses cache policy lookup)")
	}
}
