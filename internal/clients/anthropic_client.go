package clients

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/adverant/nexus/deepreadx/internal/errors"
	"github.com/adverant/nexus/deepreadx/internal/logging"
	"github.com/adverant/nexus/deepreadx/internal/style"
)

type anthropicError = anthropic.Error

// AnthropicClient sends queries through the Anthropic Messages API
type AnthropicClient struct {
	client  anthropic.Client
	opts    Options
	prompts Prompter
	budget  *TokenBudget
	logger  *logging.Logger
}

// NewAnthropicClient creates a client with SDK retries disabled
func NewAnthropicClient(opts Options, prompts Prompter) *AnthropicClient {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &AnthropicClient{
		client:  anthropic.NewClient(reqOpts...),
		opts:    opts,
		prompts: prompts,
		budget:  NewTokenBudget(opts.MaxInputTokens),
		logger:  logging.NewLogger("AnthropicClient"),
	}
}

// Send performs one Messages call
func (c *AnthropicClient) Send(ctx context.Context, text string, kind style.Kind) Outcome {
	if strings.TrimSpace(text) == "" {
		return Failed(errors.NewFatalError(0, "empty text", nil))
	}
	prompt, err := c.prompts.Render(kind, c.budget.Truncate(text))
	if err != nil {
		return Failed(errors.NewFatalError(0, "failed to render prompt", err))
	}

	maxTokens := int64(c.opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.opts.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: anthropic.Float(c.opts.Temperature),
	}
	if c.opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.opts.SystemPrompt}}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	message, err := c.client.Messages.New(reqCtx, params)
	if err != nil {
		return Failed(classifySDKError(reqCtx, err, c.opts.Timeout))
	}

	var sb strings.Builder
	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(b.Text)
		}
	}
	if sb.Len() == 0 {
		return Failed(errors.NewTransientError(200, "response has no text content", nil))
	}
	return Succeeded(sb.String())
}
