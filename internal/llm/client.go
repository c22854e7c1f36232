package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultModel = openai.ChatModelGPT4oMini

// Config selects the endpoint and model. BaseURL may point at any
// OpenAI-compatible API.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Client wraps the OpenAI SDK.
type Client struct {
	inner openai.Client // value, not pointer
	model openai.ChatModel
}

// New creates a chat-completion client.
func New(cfg Config, opts ...option.RequestOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	model := defaultModel
	if cfg.Model != "" {
		model = openai.ChatModel(cfg.Model)
	}
	return &Client{inner: openai.NewClient(reqOpts...), model: model}, nil
}

// ChatRequest is a single-turn request.
type ChatRequest struct {
	System string
	User   string
}

// Chat sends a message and returns the model's text response.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.User))

	resp, err := c.inner.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("completion api: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion api: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
