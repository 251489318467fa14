// Package compressor reduces large tool results via LLM-driven
// summarization, gated by token thresholds and shaped by an optional goal
// hint and retry-escalation multiplier.
package compressor

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mcpcp/proxy/internal/backoff"
	"github.com/mcpcp/proxy/internal/mcp"
	"github.com/mcpcp/proxy/internal/observability"
)

// Tokenizer is the pluggable capability interface for measuring text
// length in model tokens.
type Tokenizer interface {
	Count(text string) int
}

// LLMClient is the pluggable capability interface for text generation.
type LLMClient interface {
	GenerateText(ctx context.Context, system, user string, maxTokens int) (string, error)
}

// Policy is the resolved compression policy for one tool (mirrors
// resolver.CompressionPolicy; duplicated to avoid a resolver→compressor
// import cycle).
type Policy struct {
	Enabled         bool
	TokenThreshold  int
	MaxOutputTokens int
	GoalAware       bool
}

// Strategy is the advisory, logging-only content classification returned
// by DetectStrategy. It never affects which prompt is used; the prompt is
// unified across strategies.
type Strategy string

const (
	StrategyJSON    Strategy = "json"
	StrategyCode    Strategy = "code"
	StrategyDefault Strategy = "default"
)

// Compressor summarizes oversized tool results via an LLM.
type Compressor struct {
	tokenizer Tokenizer
	llm       LLMClient
	logger    *slog.Logger

	// CustomInstructions, when non-empty, is appended to the system
	// prompt.
	CustomInstructions string

	metrics *observability.Metrics
}

// New builds a Compressor from its two pluggable capabilities.
func New(tokenizer Tokenizer, llm LLMClient, logger *slog.Logger) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{tokenizer: tokenizer, llm: llm, logger: logger}
}

// SetMetrics installs the metrics recorder. A nil metrics makes every
// Record* call a no-op.
func (c *Compressor) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

// CompressToolResult gates a tool result through token counting, budget
// computation scaled by escalationMultiplier, and LLM summarization,
// falling back to the original result on any failure.
func (c *Compressor) CompressToolResult(ctx context.Context, result *mcp.ToolCallResult, toolName string, goal string, escalationMultiplier *float64, policy Policy) *mcp.ToolCallResult {
	if result == nil || !policy.Enabled || result.IsError {
		c.recordCompression(toolName, "disabled", 0)
		return result
	}

	total := 0
	for _, block := range result.Content {
		if block.Type == "text" {
			total += c.tokenizer.Count(block.Text)
		}
	}
	if total < policy.TokenThreshold {
		c.recordCompression(toolName, "below_threshold", 0)
		return result
	}

	multiplier := 1.0
	if escalationMultiplier != nil {
		multiplier = *escalationMultiplier
	}
	budget := int(float64(policy.MaxOutputTokens)*multiplier + 0.5)

	out := &mcp.ToolCallResult{Content: make([]mcp.ToolResultContent, len(result.Content)), IsError: result.IsError}
	bytesSaved := 0
	for i, block := range result.Content {
		if block.Type != "text" {
			out.Content[i] = block
			continue
		}

		blockTokens := c.tokenizer.Count(block.Text)
		if blockTokens < policy.TokenThreshold {
			out.Content[i] = block
			continue
		}

		compressed, err := c.compressBlock(ctx, block.Text, goal, policy, budget)
		if err != nil {
			c.logger.Warn("compression failed, returning original result", "tool", toolName, "error", err)
			c.recordCompression(toolName, "failed_open", 0)
			return result
		}
		out.Content[i] = mcp.ToolResultContent{Type: "text", Text: compressed}
		bytesSaved += len(block.Text) - len(compressed)
	}

	c.recordCompression(toolName, "compressed", bytesSaved)
	return out
}

// recordCompression reports a compression outcome to the metrics
// recorder, if one is installed.
func (c *Compressor) recordCompression(toolName, outcome string, bytesSaved int) {
	if c.metrics != nil {
		c.metrics.RecordCompression(toolName, outcome, bytesSaved)
	}
}

func (c *Compressor) compressBlock(ctx context.Context, content, goal string, policy Policy, budget int) (string, error) {
	system := c.buildSystemPrompt(goal, policy, budget)
	user := c.buildUserPrompt(content, goal)

	return backoff.RetryFunc(ctx, 3, func(attempt int) (string, error) {
		resp, err := c.llm.GenerateText(ctx, system, user, budget)
		if err != nil && attempt > 1 {
			c.logger.Warn("retrying compression LLM call", "attempt", attempt, "error", err)
		}
		return resp, err
	})
}

func (c *Compressor) buildSystemPrompt(goal string, policy Policy, budget int) string {
	var b strings.Builder
	b.WriteString("You are a compression assistant. Summarize the given content to at most ")
	b.WriteString(strconv.Itoa(budget))
	b.WriteString(" tokens.")

	if goal != "" && policy.GoalAware {
		b.WriteString(" Extract ONLY information relevant to that goal. Completely omit irrelevant sections.")
	}

	b.WriteString(" Preserve structure and formatting where helpful (JSON keys, code signatures, headings).")

	if c.CustomInstructions != "" {
		b.WriteString(" ")
		b.WriteString(c.CustomInstructions)
	}

	return b.String()
}

func (c *Compressor) buildUserPrompt(content, goal string) string {
	var b strings.Builder
	b.WriteString("<document>\n")
	b.WriteString(content)
	b.WriteString("\n</document>")

	if goal != "" {
		b.WriteString("\n<goal>\n")
		b.WriteString(goal)
		b.WriteString("\n</goal>")
	}

	return b.String()
}

// DetectStrategy classifies tool result text for logging purposes only.
// It never influences prompt construction.
func DetectStrategy(content string) Strategy {
	if looksLikeJSON(content) {
		return StrategyJSON
	}
	if countCodeIndicators(content) >= 2 {
		return StrategyCode
	}
	return StrategyDefault
}

func looksLikeJSON(s string) bool {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return false
	}
	first := trimmed[0]
	last := trimmed[len(trimmed)-1]
	if (first == '{' && last == '}') || (first == '[' && last == ']') {
		return isBalanced(trimmed)
	}
	return false
}

// isBalanced is a cheap brace/bracket balance check, not a full JSON
// parse — good enough for an advisory classifier.
func isBalanced(s string) bool {
	depth := 0
	inString := false
	escaped := false
	for _, r := range s {
		if inString {
			if escaped {
				escaped = false
			} else if r == '\\' {
				escaped = true
			} else if r == '"' {
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0 && !inString
}

func countCodeIndicators(s string) int {
	indicators := []string{
		"function ", "def ", "class ", "=>", "import ", "require(",
		": string", ": number", ": bool", "async ", "{\n", ";\n",
	}
	count := 0
	for _, ind := range indicators {
		if strings.Contains(s, ind) {
			count++
		}
	}
	if strings.Count(s, ".") >= 3 && strings.Count(s, "(") >= 3 {
		count++
	}
	return count
}

// ApproxCounter is a fallback Tokenizer that approximates token count from
// character length when no real tokenizer is wired.
type ApproxCounter struct{}

// Count approximates tokens as roughly four characters per token, the
// common rule of thumb for English text under BPE tokenizers.
func (ApproxCounter) Count(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

var _ Tokenizer = ApproxCounter{}
