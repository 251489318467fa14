package proxy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mcpcp/proxy/internal/aggregator"
	"github.com/mcpcp/proxy/internal/compressor"
	"github.com/mcpcp/proxy/internal/mcp"
	"github.com/mcpcp/proxy/internal/observability"
	"github.com/mcpcp/proxy/internal/pii"
	"github.com/mcpcp/proxy/internal/proxyconfig"
	"github.com/mcpcp/proxy/internal/resolver"
	"github.com/mcpcp/proxy/internal/router"
)

// BuildGeneration turns one configuration generation into a fully wired
// Generation: an *mcp.Client per enabled upstream (connected), a
// *resolver.Resolver, an *aggregator.Aggregator with every client
// registered and its listings populated, and a *router.Router wired to a
// masker when PII masking is enabled. Callers build off-line and publish
// the result via Handler.Swap at a quiescent point. A nil metrics leaves
// every wired component's Record* calls as no-ops.
func BuildGeneration(ctx context.Context, cfg *proxyconfig.Config, masker *pii.Masker, metrics *observability.Metrics, logger *slog.Logger) (*Generation, error) {
	if logger == nil {
		logger = slog.Default()
	}

	res := resolver.New(cfg, cfg.BypassEnabled)
	agg := aggregator.New(res, logger)
	agg.SetMetrics(metrics)

	clients := make(map[string]*mcp.Client, len(cfg.Upstreams))
	for _, uc := range cfg.Upstreams {
		if !uc.Enabled {
			continue
		}
		client := mcp.NewClient(toServerConfig(uc), logger)
		client.SetMetrics(metrics)
		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connecting upstream %s: %w", uc.ID, err)
		}
		clients[uc.ID] = client
		agg.RegisterClient(uc.ID, client)
	}

	agg.Refresh(ctx)

	var maskerIface router.Masker
	if cfg.Masking.Enabled && masker != nil {
		maskerIface = masker
	}

	rtr := router.New(agg, maskerIface, res, cfg.Masking.Enabled)

	return NewGeneration(clients, res, agg, rtr), nil
}

// BuildCompressor constructs the *compressor.Compressor for a generation's
// compression configuration. Returns nil when no LLM endpoint is
// configured; compression is then a permanent no-op (policies still
// resolve, but CompressToolResult is never reached because callers must
// check for a nil Compressor before wiring a Handler).
func BuildCompressor(cfg *proxyconfig.Config, metrics *observability.Metrics, logger *slog.Logger) (*compressor.Compressor, error) {
	if cfg.Compression.BaseURL == "" && cfg.Compression.APIKey == "" {
		return nil, nil
	}
	tokenizer, err := compressor.NewTiktokenCounter()
	if err != nil {
		return nil, fmt.Errorf("building tokenizer: %w", err)
	}
	llm := compressor.NewOpenAIClient(cfg.Compression.BaseURL, cfg.Compression.APIKey, cfg.Compression.Model)
	c := compressor.New(tokenizer, llm, logger)
	c.SetMetrics(metrics)
	return c, nil
}

// BuildMasker constructs the *pii.Masker for a generation's masking
// configuration, wiring an LLM fallback client when configured.
func BuildMasker(cfg *proxyconfig.Config, metrics *observability.Metrics, logger *slog.Logger) (*pii.Masker, error) {
	custom := make([]pii.CustomPattern, 0, len(cfg.Masking.DefaultPolicy.CustomPatterns))
	for name, p := range cfg.Masking.DefaultPolicy.CustomPatterns {
		custom = append(custom, pii.CustomPattern{Name: name, Regex: p.Regex, Replacement: p.Replacement})
	}

	var llm pii.LLMClient
	if cfg.Masking.LLMConfig != nil {
		llm = compressor.NewOpenAIClient(cfg.Masking.LLMConfig.BaseURL, cfg.Masking.LLMConfig.APIKey, cfg.Masking.LLMConfig.Model)
	}

	m, err := pii.New(custom, llm, logger)
	if err != nil {
		return nil, err
	}
	m.SetMetrics(metrics)
	return m, nil
}

func toServerConfig(uc proxyconfig.UpstreamConfig) *mcp.ServerConfig {
	transport := mcp.TransportHTTP
	if uc.Transport == string(proxyconfig.DownstreamStdio) {
		transport = mcp.TransportStdio
	}
	return &mcp.ServerConfig{
		ID:        uc.ID,
		Name:      uc.Name,
		Transport: transport,
		Enabled:   uc.Enabled,
		Command:   uc.Command,
		Args:      uc.Args,
		Env:       uc.Env,
		URL:       uc.URL,
	}
}
