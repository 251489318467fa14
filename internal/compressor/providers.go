package compressor

import (
	"context"
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	openai "github.com/sashabaranov/go-openai"
)

// TiktokenCounter is the production Tokenizer, backed by a cl100k-style
// byte-pair encoding.
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the cl100k_base encoding used by GPT-3.5/4-class
// models. If the encoding table cannot be loaded (e.g. no network access
// to fetch the BPE ranks on first use), callers should fall back to
// ApproxCounter rather than fail construction of the whole proxy.
func NewTiktokenCounter() (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load cl100k_base encoding: %w", err)
	}
	return &TiktokenCounter{encoding: enc}, nil
}

// Count returns the number of cl100k tokens in text.
func (t *TiktokenCounter) Count(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

var _ Tokenizer = (*TiktokenCounter)(nil)

// OpenAIClient is the production LLMClient, targeting an OpenAI-compatible
// chat completions endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client against baseURL (empty uses the public
// OpenAI API) with the given API key and chat model.
func NewOpenAIClient(baseURL, apiKey, model string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model}
}

// GenerateText issues a single-turn chat completion and returns the first
// choice's content.
func (o *OpenAIClient) GenerateText(ctx context.Context, system, user string, maxTokens int) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

var _ LLMClient = (*OpenAIClient)(nil)
