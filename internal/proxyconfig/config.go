// Package proxyconfig describes the shape of the configuration tree every
// proxy component is constructed from. Loading it from disk, validating it
// against a schema, and watching it for hot-reload are external concerns —
// this package only names the fields components agree on.
package proxyconfig

// DownstreamTransport is the wire protocol the proxy itself speaks toward
// its client.
type DownstreamTransport string

const (
	DownstreamStdio          DownstreamTransport = "stdio"
	DownstreamSSE            DownstreamTransport = "sse"
	DownstreamStreamableHTTP DownstreamTransport = "streamable-http"
)

// Config is the root of one immutable configuration generation.
type Config struct {
	Downstream      DownstreamConfig       `json:"downstream"`
	Upstreams       []UpstreamConfig       `json:"upstreams"`
	Compression     CompressionConfig      `json:"compression"`
	Cache           CacheConfig            `json:"cache"`
	Masking         MaskingConfig          `json:"masking"`
	Tools           ToolsConfig            `json:"tools"`
	RetryEscalation RetryEscalationConfig  `json:"retryEscalation"`
	BypassEnabled   bool                   `json:"bypassEnabled,omitempty"`
	LogLevel        string                 `json:"logLevel"`
}

// DownstreamConfig describes how the proxy exposes itself.
type DownstreamConfig struct {
	Transport DownstreamTransport `json:"transport"`
	Host      string              `json:"host,omitempty"`
	Port      int                 `json:"port,omitempty"`
}

// UpstreamConfig is one entry of upstreams[]. Field names mirror
// internal/mcp.ServerConfig; this is the pre-construction descriptor the
// generation builder turns into an *mcp.Client.
type UpstreamConfig struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Enabled   bool              `json:"enabled"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
}

// CompressionConfig configures the LLM endpoint and the default/per-tool
// compression policies the resolver overlays.
type CompressionConfig struct {
	BaseURL       string                      `json:"baseUrl"`
	APIKey        string                      `json:"apiKey,omitempty"`
	Model         string                      `json:"model"`
	DefaultPolicy CompressionPolicyConfig     `json:"defaultPolicy"`
	ToolPolicies  map[string]CompressionPolicyConfig `json:"toolPolicies,omitempty"`
	GoalAware     bool                        `json:"goalAware"`
}

// CompressionPolicyConfig is the raw, possibly-partial policy as read from
// configuration. Pointer fields distinguish "unset" (inherit) from
// "explicitly false/zero" for the resolver's override-merge.
type CompressionPolicyConfig struct {
	Enabled         *bool `json:"enabled,omitempty"`
	TokenThreshold  *int  `json:"tokenThreshold,omitempty"`
	MaxOutputTokens *int  `json:"maxOutputTokens,omitempty"`
	GoalAware       *bool `json:"goalAware,omitempty"`
}

// CacheConfig configures the in-memory cache.
type CacheConfig struct {
	Enabled     bool `json:"enabled"`
	TTLSeconds  int  `json:"ttlSeconds"`
	MaxEntries  int  `json:"maxEntries"`
	CacheErrors bool `json:"cacheErrors,omitempty"`
}

// MaskingConfig configures PII masking defaults and overrides.
type MaskingConfig struct {
	Enabled       bool                           `json:"enabled"`
	DefaultPolicy MaskingPolicyConfig            `json:"defaultPolicy"`
	ToolPolicies  map[string]MaskingPolicyConfig `json:"toolPolicies,omitempty"`
	LLMConfig     *LLMConfig                     `json:"llmConfig,omitempty"`
}

// MaskingPolicyConfig is the raw, possibly-partial masking policy.
type MaskingPolicyConfig struct {
	Enabled              *bool             `json:"enabled,omitempty"`
	PIITypes             []string          `json:"piiTypes,omitempty"`
	LLMFallback          *bool             `json:"llmFallback,omitempty"`
	LLMFallbackThreshold *float64          `json:"llmFallbackThreshold,omitempty"`
	CustomPatterns       map[string]CustomPattern `json:"customPatterns,omitempty"`
}

// CustomPattern is a user-supplied PII pattern (confidence fixed at 1.0).
type CustomPattern struct {
	Regex       string `json:"regex"`
	Replacement string `json:"replacement"`
}

// LLMConfig names the endpoint used for LLM-fallback PII detection.
type LLMConfig struct {
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey,omitempty"`
	Model   string `json:"model"`
}

// ToolsConfig names globally hidden tools and per-upstream, per-tool
// overrides.
type ToolsConfig struct {
	Hidden    []string                         `json:"hidden,omitempty"`
	Upstreams map[string]UpstreamToolsOverride `json:"upstreams,omitempty"`
}

// UpstreamToolsOverride is the upstream-scope tool block, the middle tier
// of the override order (global default < upstream override < per-tool
// override).
type UpstreamToolsOverride struct {
	Tools map[string]ToolOverride `json:"tools,omitempty"`
}

// ToolOverride is a per-tool record; every field is optional so the resolver
// can distinguish "not set here" from an explicit value.
type ToolOverride struct {
	Hidden              *bool                    `json:"hidden,omitempty"`
	OverwriteDescription *string                 `json:"overwriteDescription,omitempty"`
	HiddenParameters    []string                 `json:"hiddenParameters,omitempty"`
	Compression         *CompressionPolicyConfig `json:"compression,omitempty"`
	Masking             *MaskingPolicyConfig     `json:"masking,omitempty"`
	Cache               *CachePolicyConfig       `json:"cache,omitempty"`
}

// CachePolicyConfig is the raw, possibly-partial cache policy.
type CachePolicyConfig struct {
	Enabled    *bool `json:"enabled,omitempty"`
	TTLSeconds *int  `json:"ttlSeconds,omitempty"`
}

// RetryEscalationConfig configures the retry tracker.
type RetryEscalationConfig struct {
	Enabled         bool    `json:"enabled"`
	WindowSeconds   int     `json:"windowSeconds"`
	TokenMultiplier float64 `json:"tokenMultiplier"`
}
