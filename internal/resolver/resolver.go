// Package resolver answers per-tool policy questions by overlaying
// per-tool overrides onto upstream-scope and global defaults.
package resolver

import (
	"sync"

	"github.com/mcpcp/proxy/internal/proxyconfig"
)

// CompressionPolicy is the merged, fully-resolved view handed to the
// compressor.
type CompressionPolicy struct {
	Enabled         bool
	TokenThreshold  int
	MaxOutputTokens int
	GoalAware       bool
}

// MaskingPolicy is the merged, fully-resolved view handed to the masker.
type MaskingPolicy struct {
	Enabled              bool
	PIITypes             []string
	LLMFallback          bool
	LLMFallbackThreshold float64
}

// CachePolicy is the merged, fully-resolved view handed to the handler.
type CachePolicy struct {
	Enabled    bool
	TTLSeconds int
}

// RetryEscalationPolicy is the merged retry-escalation configuration, or
// nil when retry escalation is not enabled.
type RetryEscalationPolicy struct {
	Enabled         bool
	WindowSeconds   int
	TokenMultiplier float64
}

// Resolver answers policy queries for one configuration generation. It
// holds no mutable state after construction beyond what New populates, but
// the mutex guards future in-place reconfiguration and concurrent reads
// during a rebuild.
type Resolver struct {
	mu sync.RWMutex

	globalHidden    map[string]bool
	upstreamTools   map[string]map[string]proxyconfig.ToolOverride // upstreamID -> toolName -> override
	defaultCompress proxyconfig.CompressionPolicyConfig
	defaultMasking  proxyconfig.MaskingPolicyConfig
	defaultCache    proxyconfig.CacheConfig
	// compressionToolPolicies / maskingToolPolicies are the most-specific
	// override tier, keyed by namespaced tool name. They win over the
	// upstream-scope tool block, which wins over the defaults above.
	compressionToolPolicies map[string]proxyconfig.CompressionPolicyConfig
	maskingToolPolicies     map[string]proxyconfig.MaskingPolicyConfig
	goalAwareGlobal         bool
	bypassEnabled           bool
	retryEscalation         *RetryEscalationPolicy
}

// New builds a Resolver from a configuration generation's tool, masking,
// compression, cache, and retry-escalation sections.
func New(cfg *proxyconfig.Config, bypassEnabled bool) *Resolver {
	r := &Resolver{
		globalHidden:            make(map[string]bool, len(cfg.Tools.Hidden)),
		upstreamTools:           make(map[string]map[string]proxyconfig.ToolOverride),
		defaultCompress:         cfg.Compression.DefaultPolicy,
		defaultMasking:          cfg.Masking.DefaultPolicy,
		defaultCache:            cfg.Cache,
		compressionToolPolicies: cfg.Compression.ToolPolicies,
		maskingToolPolicies:     cfg.Masking.ToolPolicies,
		goalAwareGlobal:         cfg.Compression.GoalAware,
		bypassEnabled:           bypassEnabled,
	}

	for _, name := range cfg.Tools.Hidden {
		r.globalHidden[name] = true
	}

	for upstreamID, block := range cfg.Tools.Upstreams {
		tools := make(map[string]proxyconfig.ToolOverride, len(block.Tools))
		for name, override := range block.Tools {
			tools[name] = override
		}
		r.upstreamTools[upstreamID] = tools
	}

	if cfg.RetryEscalation.Enabled || cfg.RetryEscalation.WindowSeconds > 0 {
		r.retryEscalation = &RetryEscalationPolicy{
			Enabled:         cfg.RetryEscalation.Enabled,
			WindowSeconds:   cfg.RetryEscalation.WindowSeconds,
			TokenMultiplier: cfg.RetryEscalation.TokenMultiplier,
		}
	}

	return r
}

// namespacedToolKey reconstructs the bit-exact "{upstreamId}__{originalName}"
// tool identifier used to key compression/masking toolPolicies.
func namespacedToolKey(upstreamID, originalName string) string {
	return upstreamID + "__" + originalName
}

// toolOverride finds the per-tool record for a namespaced name, if any.
// namespaced is "{upstreamId}__{originalName}"; we only need the upstream
// id and original name to look up the override, so callers pass both
// directly rather than re-parsing the namespaced string.
func (r *Resolver) toolOverride(upstreamID, originalName string) (proxyconfig.ToolOverride, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools, ok := r.upstreamTools[upstreamID]
	if !ok {
		return proxyconfig.ToolOverride{}, false
	}
	override, ok := tools[originalName]
	return override, ok
}

// IsToolHidden reports whether a tool is globally hidden or hidden by its
// per-tool override. Override order: per-tool wins over global list.
func (r *Resolver) IsToolHidden(namespaced, upstreamID, originalName string) bool {
	if override, ok := r.toolOverride(upstreamID, originalName); ok && override.Hidden != nil {
		return *override.Hidden
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.globalHidden[namespaced] || r.globalHidden[originalName]
}

// GetHiddenParameters returns the parameter names to strip from a tool's
// input schema.
func (r *Resolver) GetHiddenParameters(upstreamID, originalName string) []string {
	if override, ok := r.toolOverride(upstreamID, originalName); ok {
		return override.HiddenParameters
	}
	return nil
}

// GetDescriptionOverride returns the replacement description for a tool,
// if one is configured.
func (r *Resolver) GetDescriptionOverride(upstreamID, originalName string) (string, bool) {
	if override, ok := r.toolOverride(upstreamID, originalName); ok && override.OverwriteDescription != nil {
		return *override.OverwriteDescription, true
	}
	return "", false
}

// ResolveCompressionPolicy overlays per-tool tool-policy → upstream-scope
// tool block → global defaults (most specific wins), with Enabled
// defaulting true when unset at every tier.
func (r *Resolver) ResolveCompressionPolicy(upstreamID, originalName string) CompressionPolicy {
	r.mu.RLock()
	base := r.defaultCompress
	goalAwareGlobal := r.goalAwareGlobal
	toolPolicy, hasToolPolicy := r.compressionToolPolicies[namespacedToolKey(upstreamID, originalName)]
	r.mu.RUnlock()

	resolved := CompressionPolicy{
		Enabled:         true,
		TokenThreshold:  derefInt(base.TokenThreshold, 2000),
		MaxOutputTokens: derefInt(base.MaxOutputTokens, 500),
		GoalAware:       goalAwareGlobal,
	}
	if base.Enabled != nil {
		resolved.Enabled = *base.Enabled
	}
	if base.GoalAware != nil {
		resolved.GoalAware = *base.GoalAware
	}

	if override, ok := r.toolOverride(upstreamID, originalName); ok && override.Compression != nil {
		applyCompressionOverride(&resolved, override.Compression)
	}

	if hasToolPolicy {
		applyCompressionOverride(&resolved, &toolPolicy)
	}

	return resolved
}

func applyCompressionOverride(resolved *CompressionPolicy, c *proxyconfig.CompressionPolicyConfig) {
	if c.Enabled != nil {
		resolved.Enabled = *c.Enabled
	}
	if c.TokenThreshold != nil {
		resolved.TokenThreshold = *c.TokenThreshold
	}
	if c.MaxOutputTokens != nil {
		resolved.MaxOutputTokens = *c.MaxOutputTokens
	}
	if c.GoalAware != nil {
		resolved.GoalAware = *c.GoalAware
	}
}

// ResolveMaskingPolicy overlays per-tool tool-policy → upstream-scope tool
// block → global defaults (most specific wins).
func (r *Resolver) ResolveMaskingPolicy(upstreamID, originalName string) MaskingPolicy {
	r.mu.RLock()
	base := r.defaultMasking
	toolPolicy, hasToolPolicy := r.maskingToolPolicies[namespacedToolKey(upstreamID, originalName)]
	r.mu.RUnlock()

	resolved := MaskingPolicy{
		PIITypes:             base.PIITypes,
		LLMFallbackThreshold: derefFloat(base.LLMFallbackThreshold, 0.7),
	}
	if base.Enabled != nil {
		resolved.Enabled = *base.Enabled
	}
	if base.LLMFallback != nil {
		resolved.LLMFallback = *base.LLMFallback
	}

	if override, ok := r.toolOverride(upstreamID, originalName); ok && override.Masking != nil {
		applyMaskingOverride(&resolved, override.Masking)
	}

	if hasToolPolicy {
		applyMaskingOverride(&resolved, &toolPolicy)
	}

	return resolved
}

func applyMaskingOverride(resolved *MaskingPolicy, m *proxyconfig.MaskingPolicyConfig) {
	if m.Enabled != nil {
		resolved.Enabled = *m.Enabled
	}
	if len(m.PIITypes) > 0 {
		resolved.PIITypes = m.PIITypes
	}
	if m.LLMFallback != nil {
		resolved.LLMFallback = *m.LLMFallback
	}
	if m.LLMFallbackThreshold != nil {
		resolved.LLMFallbackThreshold = *m.LLMFallbackThreshold
	}
}

// ResolveCachePolicy overlays per-tool → defaults.
func (r *Resolver) ResolveCachePolicy(upstreamID, originalName string) CachePolicy {
	r.mu.RLock()
	resolved := CachePolicy{
		Enabled:    r.defaultCache.Enabled,
		TTLSeconds: r.defaultCache.TTLSeconds,
	}
	r.mu.RUnlock()

	override, ok := r.toolOverride(upstreamID, originalName)
	if !ok || override.Cache == nil {
		return resolved
	}

	c := override.Cache
	if c.Enabled != nil {
		resolved.Enabled = *c.Enabled
	}
	if c.TTLSeconds != nil {
		resolved.TTLSeconds = *c.TTLSeconds
	}
	return resolved
}

// IsGoalAwareEnabled reports whether a tool should receive the injected
// goal-hint schema property.
func (r *Resolver) IsGoalAwareEnabled(upstreamID, originalName string) bool {
	return r.ResolveCompressionPolicy(upstreamID, originalName).GoalAware
}

// IsBypassEnabled reports whether the global bypass schema property should
// be injected. Bypass is a deployment-wide switch, not per-tool.
func (r *Resolver) IsBypassEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bypassEnabled
}

// GetRetryEscalation returns the retry-escalation policy, or nil when
// retry escalation is not configured.
func (r *Resolver) GetRetryEscalation() *RetryEscalationPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.retryEscalation
}

func derefInt(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}

func derefFloat(p *float64, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	return *p
}
