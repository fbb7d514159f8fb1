/**
 * DeepSeek Client - chat completions over HTTPS
 *
 * Request:  POST {base}/v1/chat/completions with a bearer key
 * Response: choices[0].message.content, or SSE deltas when streaming
 */

package clients

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adverant/nexus/deepreadx/internal/config"
	"github.com/adverant/nexus/deepreadx/internal/errors"
	"github.com/adverant/nexus/deepreadx/internal/logging"
	"github.com/adverant/nexus/deepreadx/internal/style"
)

const maxResponseBytes = 4 << 20

// DeepSeekClient handles communication with the DeepSeek API
type DeepSeekClient struct {
	opts       Options
	prompts    Prompter
	budget     *TokenBudget
	httpClient *http.Client
	logger     *logging.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the request body of /v1/chat/completions
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

// chatResponse is the non-streaming response body
type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// chatChunk is one SSE event of a streaming response
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// NewDeepSeekClient creates a new DeepSeek client
func NewDeepSeekClient(opts Options, prompts Prompter) *DeepSeekClient {
	if opts.BaseURL == "" {
		opts.BaseURL = config.DefaultDeepSeekBaseURL
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	return &DeepSeekClient{
		opts:    opts,
		prompts: prompts,
		budget:  NewTokenBudget(opts.MaxInputTokens),
		// the per-request timeout is carried by the context
		httpClient: &http.Client{},
		logger:     logging.NewLogger("DeepSeekClient"),
	}
}

// Send performs one chat completion for text rendered with kind's template
func (c *DeepSeekClient) Send(ctx context.Context, text string, kind style.Kind) Outcome {
	if strings.TrimSpace(text) == "" {
		return Failed(errors.NewFatalError(0, "empty text", nil))
	}

	prompt, err := c.prompts.Render(kind, c.budget.Truncate(text))
	if err != nil {
		return Failed(errors.NewFatalError(0, "failed to render prompt", err))
	}

	reqBody, err := json.Marshal(chatRequest{
		Model: c.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: c.opts.SystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
		Stream:      c.opts.Stream,
	})
	if err != nil {
		return Failed(errors.NewFatalError(0, "failed to marshal request", err))
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1/chat/completions", c.opts.BaseURL)
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return Failed(errors.NewFatalError(0, "failed to create request", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	if c.opts.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Failed(classifyTransport(reqCtx, err, c.opts.Timeout))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return Failed(classifyStatus(resp.StatusCode, resp.Header, body))
	}

	var out Outcome
	if c.opts.Stream && strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		out = c.readStream(reqCtx, resp.Body)
	} else {
		out = c.readBody(reqCtx, resp.Body)
	}

	if out.Kind == Success {
		c.logger.Debug("Completion received",
			"kind", kind,
			"duration", time.Since(start),
			"textLength", len(out.Text))
	}
	return out
}

func (c *DeepSeekClient) readBody(reqCtx context.Context, r io.Reader) Outcome {
	body, err := io.ReadAll(io.LimitReader(r, maxResponseBytes))
	if err != nil {
		return Failed(classifyTransport(reqCtx, err, c.opts.Timeout))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Failed(errors.NewTransientError(200, "unparseable response body", err))
	}
	if len(parsed.Choices) == 0 {
		if msg, limited := rateLimitSignal(body); limited {
			return Failed(errors.NewRateLimitedError(200, 0, msg))
		}
		return Failed(errors.NewTransientError(200, "response has no choices", nil))
	}
	return Succeeded(parsed.Choices[0].Message.Content)
}

func (c *DeepSeekClient) readStream(reqCtx context.Context, r io.Reader) Outcome {
	var sb strings.Builder
	done := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			done = true
			break
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return Failed(errors.NewTransientError(200, "unparseable stream chunk", err))
		}
		if len(chunk.Choices) > 0 {
			sb.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return Failed(classifyTransport(reqCtx, err, c.opts.Timeout))
	}
	if !done {
		// a truncated stream may hold a partial answer
		return Failed(errors.NewTransientError(200,
			fmt.Sprintf("stream ended before [DONE] after %d chars", sb.Len()), nil))
	}
	return Succeeded(sb.String())
}
