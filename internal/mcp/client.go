package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpcp/proxy/internal/backoff"
	"github.com/mcpcp/proxy/internal/observability"
	"github.com/mcpcp/proxy/internal/ratelimit"
	"github.com/mcpcp/proxy/internal/retry"
)

// Client is an MCP client that connects to a single upstream server. It is
// a thin facade over a Transport: all five protocol operations
// (listTools/listResources/listPrompts/callTool/readResource/getPrompt) are
// forwarded to the wire, and isConnected is observable via Connected().
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger
	limiter   *ratelimit.Bucket // optional per-upstream call throttle
	metrics   *observability.Metrics

	// Cached capabilities
	tools     []*MCPTool
	resources []*MCPResource
	prompts   []*MCPPrompt
	mu        sync.RWMutex

	// Server info
	serverInfo ServerInfo
}

// NewClient creates a new MCP client for one upstream.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config:    cfg,
		transport: NewTransport(cfg),
		logger:    logger.With("mcp_server", cfg.ID),
	}
}

// SetRateLimit installs an optional per-upstream token-bucket throttle in
// front of CallTool, so a client retry-storming one tool cannot starve
// other upstreams sharing this process.
func (c *Client) SetRateLimit(requestsPerSecond float64, burst int) {
	c.limiter = ratelimit.NewBucket(ratelimit.Config{
		RequestsPerSecond: requestsPerSecond,
		BurstSize:         burst,
		Enabled:           true,
	})
}

// SetMetrics installs the metrics recorder. A nil metrics makes every
// Record* call a no-op.
func (c *Client) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

// Connect establishes the connection to the upstream, retrying transient
// dial/spawn failures with exponential backoff.
func (c *Client) Connect(ctx context.Context) error {
	policy := backoff.DefaultPolicy()
	cfg := retry.Config{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Factor: 2, Jitter: true}

	attempt := 0
	result := retry.Do(ctx, cfg, func() error {
		attempt++
		if err := c.connectOnce(ctx); err != nil {
			if attempt > 1 {
				c.logger.Warn("retrying upstream connect", "attempt", attempt, "backoff", backoff.ComputeBackoff(policy, attempt))
			}
			return err
		}
		return nil
	})
	return result.Err
}

func (c *Client) connectOnce(ctx context.Context) error {
	// Connect transport
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	// Initialize
	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities": map[string]any{
			"roots": map[string]any{
				"listChanged": true,
			},
		},
		"clientInfo": map[string]any{
			"name":    "mcpcp",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}

	c.serverInfo = initResult.ServerInfo
	c.logger.Info("connected to upstream",
		"name", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"protocol", initResult.ProtocolVersion)

	// Send initialized notification
	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	// Refresh capabilities
	if err := c.RefreshCapabilities(ctx); err != nil {
		c.logger.Warn("failed to refresh capabilities", "error", err)
	}

	return nil
}

// Close closes the connection to the MCP server.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Config returns the server configuration.
func (c *Client) Config() *ServerConfig {
	return c.config
}

// ServerInfo returns information about the connected server.
func (c *Client) ServerInfo() ServerInfo {
	return c.serverInfo
}

// Connected returns whether the client is connected.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// RefreshCapabilities refreshes the cached tools, resources, and prompts.
// A transport or unmarshal failure on tools/list aborts the refresh and
// returns the error; resources/list and prompts/list failures are logged
// and leave the previously cached values in place, since not every
// upstream implements those methods.
func (c *Client) RefreshCapabilities(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// List tools
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	var toolsResp ListToolsResult
	if err := json.Unmarshal(result, &toolsResp); err != nil {
		return fmt.Errorf("tools/list: parse result: %w", err)
	}
	c.tools = toolsResp.Tools
	c.logger.Debug("refreshed tools", "count", len(c.tools))

	// List resources
	if result, err := c.transport.Call(ctx, "resources/list", nil); err != nil {
		c.logger.Debug("resources/list unavailable", "error", err)
	} else {
		var resp ListResourcesResult
		if err := json.Unmarshal(result, &resp); err != nil {
			c.logger.Warn("resources/list returned unparseable result", "error", err)
		} else {
			c.resources = resp.Resources
			c.logger.Debug("refreshed resources", "count", len(c.resources))
		}
	}

	// List prompts
	if result, err := c.transport.Call(ctx, "prompts/list", nil); err != nil {
		c.logger.Debug("prompts/list unavailable", "error", err)
	} else {
		var resp ListPromptsResult
		if err := json.Unmarshal(result, &resp); err != nil {
			c.logger.Warn("prompts/list returned unparseable result", "error", err)
		} else {
			c.prompts = resp.Prompts
			c.logger.Debug("refreshed prompts", "count", len(c.prompts))
		}
	}

	return nil
}

// Tools returns the cached tools.
func (c *Client) Tools() []*MCPTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// Resources returns the cached resources.
func (c *Client) Resources() []*MCPResource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resources
}

// Prompts returns the cached prompts.
func (c *Client) Prompts() []*MCPPrompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prompts
}

// CallTool calls a tool on the upstream server. Call failures never
// propagate as a Go error across this boundary — an upstream-reported or
// transport-level failure comes back as a result value with IsError set,
// so the downstream surface never throws across an RPC boundary. Only a
// cancelled/expired context produces an error, since the caller (retry
// tracker, cache) must distinguish "abandoned before reaching upstream"
// from "upstream returned an error".
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.recordUpstreamCall("error", 0)
		return errorResult(fmt.Sprintf("Error: rate limit exceeded for upstream %s", c.config.ID)), nil
	}

	params := CallToolParams{
		Name: name,
	}

	if arguments != nil {
		argsJSON, err := json.Marshal(arguments)
		if err != nil {
			c.recordUpstreamCall("error", 0)
			return errorResult(fmt.Sprintf("Error: marshal arguments: %s", err)), nil
		}
		params.Arguments = argsJSON
	}

	start := time.Now()
	result, err := c.transport.Call(ctx, "tools/call", params)
	duration := time.Since(start).Seconds()
	if err != nil {
		if ctx.Err() != nil {
			c.recordUpstreamCall("error", duration)
			return nil, ctx.Err()
		}
		c.recordUpstreamCall("error", duration)
		return errorResult(fmt.Sprintf("Error: %s", err)), nil
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		c.recordUpstreamCall("error", duration)
		return errorResult(fmt.Sprintf("Error: parse result: %s", err)), nil
	}

	status := "success"
	if callResult.IsError {
		status = "error"
	}
	c.recordUpstreamCall(status, duration)
	return &callResult, nil
}

// recordUpstreamCall reports an upstream tool-call outcome to the metrics
// recorder, if one is installed.
func (c *Client) recordUpstreamCall(status string, durationSeconds float64) {
	if c.metrics != nil {
		c.metrics.RecordUpstreamCall(c.config.ID, status, durationSeconds)
	}
}

// errorResult builds the wire-level error-typed tool result:
// {content:[{type:"text", text}], isError:true}.
func errorResult(text string) *ToolCallResult {
	return &ToolCallResult{
		Content: []ToolResultContent{{Type: "text", Text: text}},
		IsError: true,
	}
}

// ReadResource reads a resource from the MCP server.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]*ResourceContent, error) {
	result, err := c.transport.Call(ctx, "resources/read", map[string]any{
		"uri": uri,
	})
	if err != nil {
		return nil, err
	}

	var readResult ReadResourceResult
	if err := json.Unmarshal(result, &readResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}

	return readResult.Contents, nil
}

// GetPrompt gets a prompt from the MCP server.
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*GetPromptResult, error) {
	result, err := c.transport.Call(ctx, "prompts/get", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}

	var promptResult GetPromptResult
	if err := json.Unmarshal(result, &promptResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}

	return &promptResult, nil
}

// Events returns the notification channel.
func (c *Client) Events() <-chan *JSONRPCNotification {
	return c.transport.Events()
}

// SamplingHandler handles server-initiated sampling requests.
type SamplingHandler func(ctx context.Context, req *SamplingRequest) (*SamplingResponse, error)

// HandleSampling starts processing sampling requests from the server.
func (c *Client) HandleSampling(handler SamplingHandler) {
	if handler == nil {
		return
	}
	go func() {
		for req := range c.transport.Requests() {
			if req == nil || req.Method != "sampling/createMessage" {
				continue
			}
			go c.handleSamplingRequest(req, handler)
		}
	}()
}

func (c *Client) handleSamplingRequest(req *JSONRPCRequest, handler SamplingHandler) {
	ctx := context.Background()
	timeout := c.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var params SamplingRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			_ = c.transport.Respond(ctx, req.ID, nil, &JSONRPCError{
				Code:    ErrCodeInvalidParams,
				Message: "invalid sampling params",
			})
			return
		}
	}

	response, err := handler(ctx, &params)
	if err != nil {
		_ = c.transport.Respond(ctx, req.ID, nil, &JSONRPCError{
			Code:    ErrCodeInternalError,
			Message: err.Error(),
		})
		return
	}
	if response == nil {
		_ = c.transport.Respond(ctx, req.ID, nil, &JSONRPCError{
			Code:    ErrCodeInternalError,
			Message: "sampling handler returned nil response",
		})
		return
	}

	if err := c.transport.Respond(ctx, req.ID, response, nil); err != nil {
		c.logger.Warn("failed to respond to sampling request", "error", err)
	}
}
