package clients

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/adverant/nexus/deepreadx/internal/errors"
	"github.com/adverant/nexus/deepreadx/internal/logging"
	"github.com/adverant/nexus/deepreadx/internal/style"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint
type OpenAIClient struct {
	client  openai.Client
	opts    Options
	prompts Prompter
	budget  *TokenBudget
	logger  *logging.Logger
}

// NewOpenAIClient creates a client. SDK retries are disabled; the scheduler owns retry policy.
func NewOpenAIClient(opts Options, prompts Prompter) *OpenAIClient {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimSuffix(opts.BaseURL, "/")+"/"))
	}
	return &OpenAIClient{
		client:  openai.NewClient(reqOpts...),
		opts:    opts,
		prompts: prompts,
		budget:  NewTokenBudget(opts.MaxInputTokens),
		logger:  logging.NewLogger("OpenAIClient"),
	}
}

// Send performs one chat completion
func (c *OpenAIClient) Send(ctx context.Context, text string, kind style.Kind) Outcome {
	if strings.TrimSpace(text) == "" {
		return Failed(errors.NewFatalError(0, "empty text", nil))
	}
	prompt, err := c.prompts.Render(kind, c.budget.Truncate(text))
	if err != nil {
		return Failed(errors.NewFatalError(0, "failed to render prompt", err))
	}

	params := openai.ChatCompletionNewParams{
		Model: c.opts.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(c.opts.SystemPrompt),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(c.opts.Temperature),
	}
	if c.opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.opts.MaxTokens))
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if c.opts.Stream {
		return c.stream(reqCtx, params)
	}

	completion, err := c.client.Chat.Completions.New(reqCtx, params)
	if err != nil {
		return Failed(classifySDKError(reqCtx, err, c.opts.Timeout))
	}
	if len(completion.Choices) == 0 {
		return Failed(errors.NewTransientError(200, "response has no choices", nil))
	}
	return Succeeded(completion.Choices[0].Message.Content)
}

func (c *OpenAIClient) stream(reqCtx context.Context, params openai.ChatCompletionNewParams) Outcome {
	stream := c.client.Chat.Completions.NewStreaming(reqCtx, params)
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) > 0 {
			sb.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return Failed(classifySDKError(reqCtx, err, c.opts.Timeout))
	}
	return Succeeded(sb.String())
}

// classifySDKError maps errors surfaced by the OpenAI and Anthropic SDKs
func classifySDKError(reqCtx context.Context, err error, timeout time.Duration) *errors.PipelineError {
	var (
		status  int
		header  http.Header
		limited bool
	)

	var oaErr *openai.Error
	var anErr *anthropicError
	switch {
	case stderrors.As(err, &oaErr):
		status = oaErr.StatusCode
		if oaErr.Response != nil {
			header = oaErr.Response.Header
		}
		limited = strings.Contains(oaErr.Code, "rate_limit") || strings.Contains(oaErr.Type, "rate_limit")
	case stderrors.As(err, &anErr):
		status = anErr.StatusCode
		if anErr.Response != nil {
			header = anErr.Response.Header
		}
		_, limited = rateLimitSignal([]byte(anErr.RawJSON()))
	default:
		return classifyTransport(reqCtx, err, timeout)
	}

	if header == nil {
		header = http.Header{}
	}
	var pe *errors.PipelineError
	if limited && status != http.StatusTooManyRequests {
		pe = errors.NewRateLimitedError(status, parseRetryAfter(header.Get("Retry-After"), time.Now()), err.Error())
	} else {
		pe = classifyStatus(status, header, nil)
		pe.Message = err.Error()
	}
	pe.Cause = err
	return pe
}
