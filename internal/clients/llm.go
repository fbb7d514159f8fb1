/**
 * LLM Client boundary
 *
 * Every provider (DeepSeek over raw HTTP, OpenAI-compatible and Anthropic
 * through their SDKs) is reduced to the same tagged Outcome. Provider error
 * shapes never cross this package.
 */

package clients

import (
	"context"
	"time"

	"github.com/adverant/nexus/deepreadx/internal/config"
	"github.com/adverant/nexus/deepreadx/internal/errors"
	"github.com/adverant/nexus/deepreadx/internal/style"
)

// OutcomeKind tags a Send result
type OutcomeKind int

const (
	Success OutcomeKind = iota
	RateLimited
	Transient
	Fatal
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Outcome is the classified result of one network call
type Outcome struct {
	Kind       OutcomeKind
	Text       string
	Err        *errors.PipelineError
	StatusCode int
	RetryAfter time.Duration
}

// Succeeded builds a Success outcome
func Succeeded(text string) Outcome {
	return Outcome{Kind: Success, Text: text, StatusCode: 200}
}

// Failed builds a failure outcome tagged from the error kind
func Failed(err *errors.PipelineError) Outcome {
	o := Outcome{Err: err, StatusCode: err.StatusCode, RetryAfter: err.RetryAfter}
	switch err.Kind {
	case errors.KindRateLimited:
		o.Kind = RateLimited
	case errors.KindTransient:
		o.Kind = Transient
	default:
		o.Kind = Fatal
	}
	return o
}

// Retryable reports whether the scheduler should back off and retry
func (o Outcome) Retryable() bool {
	return o.Kind == RateLimited || o.Kind == Transient
}

// Client sends region text for one operation kind. Implementations enforce
// the per-request timeout and never block longer than it.
type Client interface {
	Send(ctx context.Context, text string, kind style.Kind) Outcome
}

// Prompter renders the prompt for an operation kind
type Prompter interface {
	Render(kind style.Kind, text string) (string, error)
}

// Options shared by every provider
type Options struct {
	BaseURL        string
	APIKey         string
	Model          string
	Stream         bool
	Temperature    float64
	MaxTokens      int
	MaxInputTokens int
	SystemPrompt   string
	Timeout        time.Duration
}

// OptionsFromConfig extracts client options from the pipeline configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:        cfg.LLMBaseURL,
		APIKey:         cfg.LLMAPIKey,
		Model:          cfg.LLMModel,
		Stream:         cfg.LLMStream,
		Temperature:    cfg.LLMTemperature,
		MaxTokens:      cfg.LLMMaxTokens,
		MaxInputTokens: cfg.MaxInputTokens,
		SystemPrompt:   cfg.LLMSystemPrompt,
		Timeout:        cfg.RequestTimeout,
	}
}

// NewClient builds the client for the configured provider
func NewClient(cfg *config.Config, prompts Prompter) (Client, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.LLMProvider {
	case config.ProviderDeepSeek:
		return NewDeepSeekClient(opts, prompts), nil
	case config.ProviderOpenAI:
		return NewOpenAIClient(opts, prompts), nil
	case config.ProviderAnthropic:
		return NewAnthropicClient(opts, prompts), nil
	}
	return nil, errors.NewFatalError(0, "unsupported LLM provider "+cfg.LLMProvider, nil)
}
