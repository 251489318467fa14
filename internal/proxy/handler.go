package proxy

import (
	"context"
	"log/slog"

	"github.com/mcpcp/proxy/internal/compressor"
	"github.com/mcpcp/proxy/internal/mcp"
	"github.com/mcpcp/proxy/internal/pii"
	"github.com/mcpcp/proxy/internal/retrytracker"
	"github.com/mcpcp/proxy/internal/router"
	"github.com/mcpcp/proxy/internal/toolcache"
)

// CallTool implements the request pipeline: cache lookup, routed call,
// retry-aware compression (skipped on bypass), placeholder restoration,
// then conditional cache store.
func (h *Handler) CallTool(ctx context.Context, namespaced string, args map[string]any) (*mcp.ToolCallResult, error) {
	gen := h.Current()

	_, upstreamID, originalName, resolvable := gen.Aggregator.FindTool(namespaced)
	cachePolicy := gen.Resolver.ResolveCachePolicy(upstreamID, originalName)

	goal, _ := peekGoal(args)
	var cacheKey string
	cacheOn := h.cache != nil && resolvable && cachePolicy.Enabled
	if cacheOn {
		cacheKey = toolcache.Key(namespaced, stripHintFields(args), goal)
		if hit, ok := h.cache.Get(cacheKey); ok {
			return hit, nil
		}
	}

	callResult, err := gen.Router.CallTool(ctx, namespaced, args)
	if err != nil {
		return nil, err
	}

	var final *mcp.ToolCallResult
	if callResult.Bypass {
		final = callResult.Result
	} else {
		var multiplier *float64
		if retryCfg := gen.Resolver.GetRetryEscalation(); retryCfg != nil && retryCfg.Enabled && h.tracker != nil {
			h.tracker.RecordCall(namespaced)
			m := h.tracker.GetEscalationMultiplier(namespaced, retrytracker.Config(*retryCfg))
			multiplier = &m
		}
		compressionPolicy := gen.Resolver.ResolveCompressionPolicy(upstreamID, originalName)
		final = h.compressor.CompressToolResult(ctx, callResult.Result, namespaced, callResult.Goal, multiplier, compressor.Policy(compressionPolicy))
	}

	final = restorePlaceholders(final, callResult.RestorationMap)

	if cacheOn && ctx.Err() == nil && (!final.IsError || h.cacheErrors) {
		h.cache.Set(cacheKey, final, cachePolicy.TTLSeconds)
	}

	return final, nil
}

// ListTools delegates to the current generation's aggregator.
func (h *Handler) ListTools(ctx context.Context) []*mcp.MCPTool {
	return h.Current().Aggregator.ListTools(ctx)
}

// ListResources delegates to the current generation's aggregator.
func (h *Handler) ListResources(ctx context.Context) []*mcp.MCPResource {
	return h.Current().Aggregator.ListResources(ctx)
}

// ListPrompts delegates to the current generation's aggregator.
func (h *Handler) ListPrompts(ctx context.Context) []*mcp.MCPPrompt {
	return h.Current().Aggregator.ListPrompts(ctx)
}

// ReadResource delegates to the current generation's router; no caching,
// masking, or compression applies to resource reads.
func (h *Handler) ReadResource(ctx context.Context, namespaced string) ([]*mcp.ResourceContent, error) {
	return h.Current().Router.ReadResource(ctx, namespaced)
}

// GetPrompt delegates to the current generation's router; no caching,
// masking, or compression applies to prompt gets.
func (h *Handler) GetPrompt(ctx context.Context, namespaced string, args map[string]string) (*mcp.GetPromptResult, error) {
	return h.Current().Router.GetPrompt(ctx, namespaced, args)
}

// peekGoal reads the goal hint out of args without stripping it; the
// router performs the authoritative extraction once the call is routed.
// This lets the cache key reflect the goal even on a cache hit, where
// Router.CallTool never runs.
func peekGoal(args map[string]any) (string, bool) {
	v, ok := args[router.GoalField]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// stripHintFields returns a shallow copy of args with GoalField/BypassField
// removed, so the canonical-args portion of a cache key never embeds the
// raw goal string alongside its normalized form in the key suffix.
func stripHintFields(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if k == router.GoalField || k == router.BypassField {
			continue
		}
		out[k] = v
	}
	return out
}

// restorePlaceholders rewrites every text block of result, substituting
// back any PII placeholders recorded in restorationMap. A nil or empty
// map is a no-op.
func restorePlaceholders(result *mcp.ToolCallResult, restorationMap map[string]string) *mcp.ToolCallResult {
	if result == nil || len(restorationMap) == 0 {
		return result
	}
	for i, block := range result.Content {
		if block.Type == "text" {
			result.Content[i].Text = pii.RestoreOriginals(block.Text, restorationMap)
		}
	}
	return result
}

var (
	_ Cache        = (*toolcache.Cache)(nil)
	_ RetryTracker = (*retrytracker.Tracker)(nil)
	_ Compressor   = (*compressor.Compressor)(nil)
)
