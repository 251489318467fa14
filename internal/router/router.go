// Package router resolves a namespaced tool/resource/prompt identifier to
// its upstream, extracts out-of-band hints from arguments, invokes PII
// masking, and dispatches the call.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcpcp/proxy/internal/aggregator"
	"github.com/mcpcp/proxy/internal/mcp"
	"github.com/mcpcp/proxy/internal/pii"
	"github.com/mcpcp/proxy/internal/resolver"
)

// Sentinel errors for not-found conditions on resources and prompts
// (tools instead return a wire-level error-typed result). Hidden tools
// return the exact same wire error as genuinely absent ones.
var (
	ErrResourceNotFound = errors.New("resource not found")
	ErrPromptNotFound   = errors.New("prompt not found")
)

// GoalField / BypassField match aggregator's injected schema property
// names; the router strips them from the forwarded arguments.
const (
	GoalField   = "_mcpcp_goal"
	BypassField = "_mcpcp_bypass"
)

// Client is the subset of *mcp.Client the router invokes calls through.
type Client interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.ToolCallResult, error)
	ReadResource(ctx context.Context, uri string) ([]*mcp.ResourceContent, error)
	GetPrompt(ctx context.Context, name string, arguments map[string]string) (*mcp.GetPromptResult, error)
}

// Aggregator is the subset of *aggregator.Aggregator the router resolves
// namespaced identifiers through.
type Aggregator interface {
	FindTool(namespaced string) (client aggregator.Client, upstreamID, originalName string, ok bool)
	FindResource(namespaced string) (client aggregator.Client, upstreamID, originalURI string, ok bool)
	FindPrompt(namespaced string) (client aggregator.Client, upstreamID, originalName string, ok bool)
	IsToolHidden(namespaced, upstreamID, originalName string) bool
}

// Masker is the subset of *pii.Masker the router calls before forwarding
// tool arguments.
type Masker interface {
	MaskToolArgs(ctx context.Context, args map[string]any, policy pii.Policy) pii.Result
}

// MaskingPolicyResolver resolves the masking policy for one tool. It
// returns resolver.MaskingPolicy directly (the real *resolver.Resolver
// return type) rather than pii.Policy; the two are field-for-field
// identical but distinctly named, so the router converts explicitly at
// the call site before handing the policy to the masker.
type MaskingPolicyResolver interface {
	ResolveMaskingPolicy(upstreamID, originalName string) resolver.MaskingPolicy
}

// CallResult is the outcome of Router.CallTool.
type CallResult struct {
	Result         *mcp.ToolCallResult
	Goal           string
	Bypass         bool
	RestorationMap map[string]string
}

// Router dispatches downstream-facing requests to the right upstream.
type Router struct {
	aggregator     Aggregator
	masker         Masker
	maskingPolicy  MaskingPolicyResolver
	maskingEnabled bool
}

// New builds a Router. maskingEnabled gates whether MaskToolArgs is
// invoked at all (masker may be nil when masking is globally disabled).
func New(agg Aggregator, masker Masker, maskingPolicy MaskingPolicyResolver, maskingEnabled bool) *Router {
	return &Router{aggregator: agg, masker: masker, maskingPolicy: maskingPolicy, maskingEnabled: maskingEnabled}
}

// CallTool resolves namespaced to an upstream, strips and applies
// GoalField/BypassField, masks the remaining arguments if masking is
// enabled, and forwards the call. Hidden and genuinely-absent tools both
// produce the same not-found result.
func (r *Router) CallTool(ctx context.Context, namespaced string, args map[string]any) (*CallResult, error) {
	forwarded, goal, bypass := extractHints(args)

	client, upstreamID, originalName, ok := r.aggregator.FindTool(namespaced)

	var restoration map[string]string
	if ok && r.maskingEnabled && r.masker != nil {
		policy := r.maskingPolicy.ResolveMaskingPolicy(upstreamID, originalName)
		maskResult := r.masker.MaskToolArgs(ctx, forwarded, pii.Policy(policy))
		forwarded = maskResult.Masked
		restoration = maskResult.RestorationMap
	}

	if !ok || client == nil || r.aggregator.IsToolHidden(namespaced, upstreamID, originalName) {
		return &CallResult{Result: notFoundResult(namespaced), Goal: goal, Bypass: bypass, RestorationMap: restoration}, nil
	}

	toolClient, ok := client.(Client)
	if !ok {
		return &CallResult{Result: notFoundResult(namespaced), Goal: goal, Bypass: bypass, RestorationMap: restoration}, nil
	}

	result, err := toolClient.CallTool(ctx, originalName, forwarded)
	if err != nil {
		// mcp.Client.CallTool only returns a Go error for a cancelled or
		// expired context; every upstream-reported failure already comes
		// back as an error-typed result.
		return nil, err
	}

	return &CallResult{Result: result, Goal: goal, Bypass: bypass, RestorationMap: restoration}, nil
}

// extractHints peels GoalField/BypassField out of args and returns a copy
// of the remaining arguments, the goal (if a string), and the bypass flag
// (if a bool). The original map is never mutated.
func extractHints(args map[string]any) (forwarded map[string]any, goal string, bypass bool) {
	forwarded = make(map[string]any, len(args))
	for k, v := range args {
		switch k {
		case GoalField:
			if s, ok := v.(string); ok {
				goal = s
			}
		case BypassField:
			if b, ok := v.(bool); ok {
				bypass = b
			}
		default:
			forwarded[k] = v
		}
	}
	return forwarded, goal, bypass
}

func notFoundResult(namespaced string) *mcp.ToolCallResult {
	return &mcp.ToolCallResult{
		Content: []mcp.ToolResultContent{{Type: "text", Text: fmt.Sprintf("Error: Tool '%s' not found", namespaced)}},
		IsError: true,
	}
}

// ReadResource routes a namespaced resource read straight through, no
// masking or goal extraction.
func (r *Router) ReadResource(ctx context.Context, namespaced string) ([]*mcp.ResourceContent, error) {
	client, _, originalURI, ok := r.aggregator.FindResource(namespaced)
	if !ok || client == nil {
		return nil, ErrResourceNotFound
	}
	resClient, ok := client.(Client)
	if !ok {
		return nil, ErrResourceNotFound
	}
	return resClient.ReadResource(ctx, originalURI)
}

// GetPrompt routes a namespaced prompt get straight through, no masking
// or goal extraction.
func (r *Router) GetPrompt(ctx context.Context, namespaced string, args map[string]string) (*mcp.GetPromptResult, error) {
	client, _, originalName, ok := r.aggregator.FindPrompt(namespaced)
	if !ok || client == nil {
		return nil, ErrPromptNotFound
	}
	promptClient, ok := client.(Client)
	if !ok {
		return nil, ErrPromptNotFound
	}
	return promptClient.GetPrompt(ctx, originalName, args)
}

var _ Aggregator = (*aggregator.Aggregator)(nil)
var _ MaskingPolicyResolver = (*resolver.Resolver)(nil)
