// Package aggregator merges tool/resource/prompt listings from every
// connected upstream into one namespaced view, applies schema transforms
// (hidden tools/params, description overrides, goal/bypass injection),
// and serves it with partial-failure tolerance.
package aggregator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mcpcp/proxy/internal/mcp"
	"github.com/mcpcp/proxy/internal/observability"
)

// GoalField and BypassField are the schema property names injected into
// goal-aware / bypass-enabled tools.
const (
	GoalField   = "_mcpcp_goal"
	BypassField = "_mcpcp_bypass"
)

// Client is the subset of *mcp.Client the aggregator depends on — kept
// narrow so tests can fake an upstream without a real transport.
type Client interface {
	Tools() []*mcp.MCPTool
	Resources() []*mcp.MCPResource
	Prompts() []*mcp.MCPPrompt
	RefreshCapabilities(ctx context.Context) error
}

// PolicyResolver is the subset of *resolver.Resolver the aggregator needs
// to apply schema transforms. Kept narrow for the same reason as Client.
type PolicyResolver interface {
	IsToolHidden(namespaced, upstreamID, originalName string) bool
	GetHiddenParameters(upstreamID, originalName string) []string
	GetDescriptionOverride(upstreamID, originalName string) (string, bool)
	IsGoalAwareEnabled(upstreamID, originalName string) bool
	IsBypassEnabled() bool
}

// Tool is an aggregated, namespaced tool record. UpstreamID and
// OriginalName are carried directly — not recovered by re-parsing
// Namespaced — so the namespace mapping stays a true bijection even if
// an original name contains the separator sequence.
type Tool struct {
	Namespaced   string
	UpstreamID   string
	OriginalName string
	Tool         *mcp.MCPTool
}

// Resource is an aggregated, namespaced resource record.
type Resource struct {
	Namespaced  string
	UpstreamID  string
	OriginalURI string
	Resource    *mcp.MCPResource
}

// Prompt is an aggregated, namespaced prompt record.
type Prompt struct {
	Namespaced   string
	UpstreamID   string
	OriginalName string
	Prompt       *mcp.MCPPrompt
}

// NamespaceTool / NamespacePrompt apply the bit-exact tools/prompts rule:
// "{upstreamId}__{originalName}".
func NamespaceTool(upstreamID, name string) string { return upstreamID + "__" + name }

// NamespaceResource applies the bit-exact resources rule:
// "{upstreamId}://{originalUri}".
func NamespaceResource(upstreamID, uri string) string { return upstreamID + "://" + uri }

// Aggregator holds the merged view across all connected upstreams.
type Aggregator struct {
	mu sync.RWMutex

	clients  map[string]Client
	resolver PolicyResolver
	logger   *slog.Logger

	tools      []Tool
	resources  []Resource
	prompts    []Prompt
	cacheValid bool

	metrics *observability.Metrics
}

// SetMetrics installs the metrics recorder. A nil aggregator or nil
// metrics makes every Record* call a no-op.
func (a *Aggregator) SetMetrics(m *observability.Metrics) {
	a.metrics = m
}

// New builds an empty aggregator. RegisterClient adds upstreams
// afterward so construction never blocks on a connection.
func New(resolver PolicyResolver, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		clients:  make(map[string]Client),
		resolver: resolver,
		logger:   logger,
	}
}

// RegisterClient adds or replaces the client for upstreamID and
// invalidates the cache.
func (a *Aggregator) RegisterClient(upstreamID string, client Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clients[upstreamID] = client
	a.cacheValid = false
}

// UnregisterClient removes upstreamID and invalidates the cache.
func (a *Aggregator) UnregisterClient(upstreamID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.clients, upstreamID)
	a.cacheValid = false
}

// SetResolver replaces the policy resolver (e.g. after hot reload) and
// invalidates the cache, since schema transforms depend on it.
func (a *Aggregator) SetResolver(resolver PolicyResolver) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resolver = resolver
	a.cacheValid = false
}

// InvalidateCache flips cacheValid so the next list triggers a refresh.
func (a *Aggregator) InvalidateCache() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cacheValid = false
}

// Refresh iterates connected clients, namespaces each item, and
// concatenates into the merged caches. A failing client is logged and
// skipped (partial-failure tolerance); after refresh, cacheValid=true
// regardless of any individual failure.
func (a *Aggregator) Refresh(ctx context.Context) {
	a.mu.RLock()
	clients := make(map[string]Client, len(a.clients))
	for id, c := range a.clients {
		clients[id] = c
	}
	a.mu.RUnlock()

	var tools []Tool
	var resources []Resource
	var prompts []Prompt
	seenTools := make(map[string]bool)
	seenResources := make(map[string]bool)
	seenPrompts := make(map[string]bool)
	var failedUpstreams []string

	for upstreamID, client := range clients {
		if err := client.RefreshCapabilities(ctx); err != nil {
			a.logger.Warn("aggregator: upstream refresh failed, skipping", "upstream", upstreamID, "error", err)
			failedUpstreams = append(failedUpstreams, upstreamID)
			continue
		}

		for _, tool := range client.Tools() {
			ns := NamespaceTool(upstreamID, tool.Name)
			if seenTools[ns] {
				a.logger.Warn("aggregator: duplicate namespaced tool, skipping", "namespaced", ns)
				continue
			}
			seenTools[ns] = true
			tools = append(tools, Tool{Namespaced: ns, UpstreamID: upstreamID, OriginalName: tool.Name, Tool: tool})
		}

		for _, res := range client.Resources() {
			ns := NamespaceResource(upstreamID, res.URI)
			if seenResources[ns] {
				a.logger.Warn("aggregator: duplicate namespaced resource, skipping", "namespaced", ns)
				continue
			}
			seenResources[ns] = true
			resources = append(resources, Resource{Namespaced: ns, UpstreamID: upstreamID, OriginalURI: res.URI, Resource: res})
		}

		for _, p := range client.Prompts() {
			ns := NamespaceTool(upstreamID, p.Name)
			if seenPrompts[ns] {
				a.logger.Warn("aggregator: duplicate namespaced prompt, skipping", "namespaced", ns)
				continue
			}
			seenPrompts[ns] = true
			prompts = append(prompts, Prompt{Namespaced: ns, UpstreamID: upstreamID, OriginalName: p.Name, Prompt: p})
		}
	}

	a.mu.Lock()
	a.tools = tools
	a.resources = resources
	a.prompts = prompts
	a.cacheValid = true
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.RecordAggregatorRefresh(failedUpstreams)
	}
}

// ensureFresh triggers a refresh if the cache is invalid. At-least-once
// refresh is the contract; concurrent callers may each trigger one, and
// the visible cache is whichever writer wins last.
func (a *Aggregator) ensureFresh(ctx context.Context) {
	a.mu.RLock()
	valid := a.cacheValid
	a.mu.RUnlock()
	if !valid {
		a.Refresh(ctx)
	}
}

// ListTools returns the visible, transformed tool listing: hidden tools
// dropped, description overrides applied, hidden parameters stripped
// from inputSchema, and goal/bypass properties injected.
func (a *Aggregator) ListTools(ctx context.Context) []*mcp.MCPTool {
	a.ensureFresh(ctx)

	a.mu.RLock()
	tools := append([]Tool(nil), a.tools...)
	resolver := a.resolver
	a.mu.RUnlock()

	bypassEnabled := resolver != nil && resolver.IsBypassEnabled()

	var visible []*mcp.MCPTool
	for _, t := range tools {
		if resolver != nil && resolver.IsToolHidden(t.Namespaced, t.UpstreamID, t.OriginalName) {
			continue
		}
		visible = append(visible, a.transformTool(t, resolver, bypassEnabled))
	}
	return visible
}

func (a *Aggregator) transformTool(t Tool, resolver PolicyResolver, bypassEnabled bool) *mcp.MCPTool {
	out := &mcp.MCPTool{
		Name:        t.Namespaced,
		Description: t.Tool.Description,
		InputSchema: t.Tool.InputSchema,
	}

	if resolver == nil {
		return out
	}

	if override, ok := resolver.GetDescriptionOverride(t.UpstreamID, t.OriginalName); ok {
		out.Description = override
	}

	schema := decodeSchema(out.InputSchema)
	hiddenParams := resolver.GetHiddenParameters(t.UpstreamID, t.OriginalName)
	for _, p := range hiddenParams {
		removeProperty(schema, p)
	}

	goalAware := resolver.IsGoalAwareEnabled(t.UpstreamID, t.OriginalName)
	if goalAware {
		addProperty(schema, GoalField, map[string]any{
			"type":        "string",
			"description": "Describe what you are trying to accomplish; the proxy uses this to focus and shrink the response.",
		}, true)
		out.Description += " Provide " + GoalField + " to focus the response on your goal."
	}
	if bypassEnabled {
		addProperty(schema, BypassField, map[string]any{
			"type":        "boolean",
			"description": "Set true to receive the raw, unprocessed upstream result for this call.",
		}, false)
		out.Description += " Set " + BypassField + " to skip response post-processing."
	}

	out.InputSchema = encodeSchema(schema)
	return out
}

// decodeSchema parses inputSchema into a free-form map so transforms work
// across any JSON Schema dialect an upstream might send.
func decodeSchema(raw json.RawMessage) map[string]any {
	schema := make(map[string]any)
	if len(raw) == 0 {
		return schema
	}
	_ = json.Unmarshal(raw, &schema)
	return schema
}

func encodeSchema(schema map[string]any) json.RawMessage {
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

func removeProperty(schema map[string]any, name string) {
	if props, ok := schema["properties"].(map[string]any); ok {
		delete(props, name)
	}
	if required, ok := schema["required"].([]any); ok {
		filtered := required[:0]
		for _, r := range required {
			if s, ok := r.(string); ok && s == name {
				continue
			}
			filtered = append(filtered, r)
		}
		schema["required"] = filtered
	}
}

func addProperty(schema map[string]any, name string, def map[string]any, required bool) {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		props = make(map[string]any)
	}
	props[name] = def
	schema["properties"] = props

	if !required {
		return
	}
	reqList, ok := schema["required"].([]any)
	if !ok {
		reqList = []any{}
	}
	for _, r := range reqList {
		if s, ok := r.(string); ok && s == name {
			return
		}
	}
	schema["required"] = append(reqList, name)
}

// ListResources returns the namespaced resource listing with no schema
// transforms (resources have no parameter schema to reshape).
func (a *Aggregator) ListResources(ctx context.Context) []*mcp.MCPResource {
	a.ensureFresh(ctx)

	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []*mcp.MCPResource
	for _, r := range a.resources {
		copyRes := *r.Resource
		copyRes.URI = r.Namespaced
		out = append(out, &copyRes)
	}
	return out
}

// ListPrompts returns the namespaced prompt listing.
func (a *Aggregator) ListPrompts(ctx context.Context) []*mcp.MCPPrompt {
	a.ensureFresh(ctx)

	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []*mcp.MCPPrompt
	for _, p := range a.prompts {
		copyPrompt := *p.Prompt
		copyPrompt.Name = p.Namespaced
		out = append(out, &copyPrompt)
	}
	return out
}

// FindTool resolves a namespaced tool identifier to its originating
// client and original name.
func (a *Aggregator) FindTool(namespaced string) (client Client, upstreamID, originalName string, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, t := range a.tools {
		if t.Namespaced == namespaced {
			return a.clients[t.UpstreamID], t.UpstreamID, t.OriginalName, true
		}
	}
	return nil, "", "", false
}

// FindResource resolves a namespaced resource identifier.
func (a *Aggregator) FindResource(namespaced string) (client Client, upstreamID, originalURI string, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, r := range a.resources {
		if r.Namespaced == namespaced {
			return a.clients[r.UpstreamID], r.UpstreamID, r.OriginalURI, true
		}
	}
	return nil, "", "", false
}

// FindPrompt resolves a namespaced prompt identifier.
func (a *Aggregator) FindPrompt(namespaced string) (client Client, upstreamID, originalName string, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, p := range a.prompts {
		if p.Namespaced == namespaced {
			return a.clients[p.UpstreamID], p.UpstreamID, p.OriginalName, true
		}
	}
	return nil, "", "", false
}

// IsToolHidden reports whether the resolver marks a namespaced tool as
// hidden, used by the router to make hidden tools indistinguishable from
// absent ones.
func (a *Aggregator) IsToolHidden(namespaced, upstreamID, originalName string) bool {
	a.mu.RLock()
	resolver := a.resolver
	a.mu.RUnlock()
	return resolver != nil && resolver.IsToolHidden(namespaced, upstreamID, originalName)
}
