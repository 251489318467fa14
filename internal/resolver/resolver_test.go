package resolver

import (
	"testing"

	"github.com/mcpcp/proxy/internal/proxyconfig"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func TestResolveCompressionPolicyDefaults(t *testing.T) {
	cfg := &proxyconfig.Config{
		Compression: proxyconfig.CompressionConfig{
			DefaultPolicy: proxyconfig.CompressionPolicyConfig{
				TokenThreshold:  intPtr(1500),
				MaxOutputTokens: intPtr(400),
			},
		},
	}
	r := New(cfg, false)

	policy := r.ResolveCompressionPolicy("u1", "search")
	if !policy.Enabled {
		t.Error("expected Enabled to default true")
	}
	if policy.TokenThreshold != 1500 {
		t.Errorf("expected threshold 1500, got %d", policy.TokenThreshold)
	}
	if policy.MaxOutputTokens != 400 {
		t.Errorf("expected max output 400, got %d", policy.MaxOutputTokens)
	}
}

func TestResolveCompressionPolicyUpstreamScopeOverrideWins(t *testing.T) {
	cfg := &proxyconfig.Config{
		Compression: proxyconfig.CompressionConfig{
			DefaultPolicy: proxyconfig.CompressionPolicyConfig{
				Enabled:        boolPtr(true),
				TokenThreshold: intPtr(2000),
			},
		},
		Tools: proxyconfig.ToolsConfig{
			Upstreams: map[string]proxyconfig.UpstreamToolsOverride{
				"u1": {
					Tools: map[string]proxyconfig.ToolOverride{
						"search": {
							Compression: &proxyconfig.CompressionPolicyConfig{
								Enabled: boolPtr(false),
							},
						},
					},
				},
			},
		},
	}
	r := New(cfg, false)

	policy := r.ResolveCompressionPolicy("u1", "search")
	if policy.Enabled {
		t.Error("expected explicit false override to win over inherited true")
	}
	if policy.TokenThreshold != 2000 {
		t.Errorf("expected unset field to inherit default 2000, got %d", policy.TokenThreshold)
	}
}

func TestResolveCompressionPolicyToolPolicyWinsOverUpstreamScope(t *testing.T) {
	cfg := &proxyconfig.Config{
		Compression: proxyconfig.CompressionConfig{
			DefaultPolicy: proxyconfig.CompressionPolicyConfig{
				Enabled:        boolPtr(true),
				TokenThreshold: intPtr(2000),
			},
			ToolPolicies: map[string]proxyconfig.CompressionPolicyConfig{
				"u1__search": {
					TokenThreshold: intPtr(999),
				},
			},
		},
		Tools: proxyconfig.ToolsConfig{
			Upstreams: map[string]proxyconfig.UpstreamToolsOverride{
				"u1": {
					Tools: map[string]proxyconfig.ToolOverride{
						"search": {
							Compression: &proxyconfig.CompressionPolicyConfig{
								Enabled:        boolPtr(false),
								TokenThreshold: intPtr(1234),
							},
						},
					},
				},
			},
		},
	}
	r := New(cfg, false)

	policy := r.ResolveCompressionPolicy("u1", "search")
	if policy.TokenThreshold != 999 {
		t.Errorf("expected per-tool tool-policy threshold 999 to win over upstream-scope 1234, got %d", policy.TokenThreshold)
	}
	if policy.Enabled {
		t.Error("expected upstream-scope Enabled=false to still apply where the tool-policy tier leaves it unset")
	}
}

func TestResolveMaskingPolicyToolPolicyWinsOverUpstreamScope(t *testing.T) {
	cfg := &proxyconfig.Config{
		Masking: proxyconfig.MaskingConfig{
			DefaultPolicy: proxyconfig.MaskingPolicyConfig{
				Enabled:  boolPtr(true),
				PIITypes: []string{"email"},
			},
			ToolPolicies: map[string]proxyconfig.MaskingPolicyConfig{
				"u1__search": {
					PIITypes: []string{"ssn"},
				},
			},
		},
		Tools: proxyconfig.ToolsConfig{
			Upstreams: map[string]proxyconfig.UpstreamToolsOverride{
				"u1": {
					Tools: map[string]proxyconfig.ToolOverride{
						"search": {
							Masking: &proxyconfig.MaskingPolicyConfig{
								PIITypes: []string{"phone"},
							},
						},
					},
				},
			},
		},
	}
	r := New(cfg, false)

	policy := r.ResolveMaskingPolicy("u1", "search")
	if len(policy.PIITypes) != 1 || policy.PIITypes[0] != "ssn" {
		t.Errorf("expected per-tool tool-policy PIITypes [ssn] to win over upstream-scope [phone], got %v", policy.PIITypes)
	}
}

func TestIsToolHiddenPerToolOverrideWinsOverGlobalList(t *testing.T) {
	cfg := &proxyconfig.Config{
		Tools: proxyconfig.ToolsConfig{
			Hidden: []string{"u1__search"},
			Upstreams: map[string]proxyconfig.UpstreamToolsOverride{
				"u1": {
					Tools: map[string]proxyconfig.ToolOverride{
						"search": {Hidden: boolPtr(false)},
					},
				},
			},
		},
	}
	r := New(cfg, false)

	if r.IsToolHidden("u1__search", "u1", "search") {
		t.Error("expected explicit per-tool false to override global hidden list")
	}
}

func TestIsToolHiddenFromGlobalList(t *testing.T) {
	cfg := &proxyconfig.Config{
		Tools: proxyconfig.ToolsConfig{Hidden: []string{"u1__secret"}},
	}
	r := New(cfg, false)

	if !r.IsToolHidden("u1__secret", "u1", "secret") {
		t.Error("expected tool listed in global hidden to be hidden")
	}
	if r.IsToolHidden("u1__other", "u1", "other") {
		t.Error("expected unlisted tool to not be hidden")
	}
}

func TestGetRetryEscalationNilWhenUnconfigured(t *testing.T) {
	cfg := &proxyconfig.Config{}
	r := New(cfg, false)
	if r.GetRetryEscalation() != nil {
		t.Error("expected nil retry escalation policy when unconfigured")
	}
}

func TestIsBypassEnabledReflectsConstructorArg(t *testing.T) {
	r := New(&proxyconfig.Config{}, true)
	if !r.IsBypassEnabled() {
		t.Error("expected bypass enabled")
	}
}
