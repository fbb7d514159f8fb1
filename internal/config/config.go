/**
 * Configuration for the DeepReadX insight pipeline
 *
 * Loads configuration from environment variables (optionally seeded from .env)
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported LLM providers
const (
	ProviderDeepSeek  = "deepseek"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// DefaultDeepSeekBaseURL is the public DeepSeek endpoint
const DefaultDeepSeekBaseURL = "https://api.deepseek.com"

// Config holds pipeline configuration
type Config struct {
	// LLM provider
	LLMProvider     string
	LLMBaseURL      string
	LLMAPIKey       string
	LLMModel        string
	LLMStream       bool
	LLMTemperature  float64
	LLMMaxTokens    int
	MaxInputTokens  int
	LLMSystemPrompt string

	// Scheduler
	MaxConcurrentRequests int
	RateLimitRequests     int
	RateLimitWindow       time.Duration
	MaxRetries            int
	BackoffBase           time.Duration
	BackoffCap            time.Duration
	RequestTimeout        time.Duration

	// Region extraction
	OCRMinConfidence float64
	MergeProximity   float64
	MergeMinOverlap  float64

	// Cache
	CacheCapacity   int
	FailureCooldown time.Duration

	// Session storage
	RedisURL    string
	SessionTTL  time.Duration
	DatabaseURL string

	// Tesseract configuration
	TesseractLanguages []string

	// Logging
	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when no environment is set.
// The API key is left empty and must be provided.
func Default() *Config {
	return &Config{
		LLMProvider:     ProviderDeepSeek,
		LLMBaseURL:      DefaultDeepSeekBaseURL,
		LLMModel:        "deepseek-chat",
		LLMTemperature:  0.7,
		LLMMaxTokens:    1000,
		LLMSystemPrompt: "You are a reading assistant. Answer in the language of the request.",

		MaxConcurrentRequests: 3,
		RateLimitRequests:     20,
		RateLimitWindow:       time.Minute,
		MaxRetries:            3,
		BackoffBase:           500 * time.Millisecond,
		BackoffCap:            30 * time.Second,
		RequestTimeout:        60 * time.Second,

		OCRMinConfidence: 0.5,
		MergeProximity:   12,
		MergeMinOverlap:  0.5,

		CacheCapacity:   512,
		FailureCooldown: 30 * time.Second,

		SessionTTL: 2 * time.Hour,

		TesseractLanguages: []string{"eng"},

		LogLevel:  "info",
		LogFormat: "console",
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	d := Default()
	provider := strings.ToLower(getEnvOrDefault("LLM_PROVIDER", d.LLMProvider))
	cfg := &Config{
		LLMProvider:     provider,
		LLMBaseURL:      strings.TrimSuffix(getEnvOrDefault("LLM_BASE_URL", defaultBaseURL(provider)), "/"),
		LLMAPIKey:       getEnvOrDefault("LLM_API_KEY", ""),
		LLMModel:        getEnvOrDefault("LLM_MODEL", defaultModel(provider)),
		LLMStream:       getEnvAsBoolOrDefault("LLM_STREAM", d.LLMStream),
		LLMTemperature:  getEnvAsFloatOrDefault("LLM_TEMPERATURE", d.LLMTemperature),
		LLMMaxTokens:    getEnvAsIntOrDefault("LLM_MAX_TOKENS", d.LLMMaxTokens),
		MaxInputTokens:  getEnvAsIntOrDefault("LLM_MAX_INPUT_TOKENS", d.MaxInputTokens),
		LLMSystemPrompt: getEnvOrDefault("LLM_SYSTEM_PROMPT", d.LLMSystemPrompt),

		MaxConcurrentRequests: getEnvAsIntOrDefault("MAX_CONCURRENT_REQUESTS", d.MaxConcurrentRequests),
		RateLimitRequests:     getEnvAsIntOrDefault("RATE_LIMIT_REQUESTS", d.RateLimitRequests),
		RateLimitWindow:       getEnvAsDurationOrDefault("RATE_LIMIT_WINDOW", d.RateLimitWindow),
		MaxRetries:            getEnvAsIntOrDefault("MAX_RETRIES", d.MaxRetries),
		BackoffBase:           getEnvAsDurationOrDefault("BACKOFF_BASE", d.BackoffBase),
		BackoffCap:            getEnvAsDurationOrDefault("BACKOFF_CAP", d.BackoffCap),
		RequestTimeout:        getEnvAsDurationOrDefault("REQUEST_TIMEOUT", d.RequestTimeout),

		OCRMinConfidence: getEnvAsFloatOrDefault("OCR_MIN_CONFIDENCE", d.OCRMinConfidence),
		MergeProximity:   getEnvAsFloatOrDefault("MERGE_PROXIMITY", d.MergeProximity),
		MergeMinOverlap:  getEnvAsFloatOrDefault("MERGE_MIN_OVERLAP", d.MergeMinOverlap),

		CacheCapacity:   getEnvAsIntOrDefault("CACHE_CAPACITY", d.CacheCapacity),
		FailureCooldown: getEnvAsDurationOrDefault("FAILURE_COOLDOWN", d.FailureCooldown),

		RedisURL:    getEnvOrDefault("REDIS_URL", ""),
		SessionTTL:  getEnvAsDurationOrDefault("SESSION_TTL", d.SessionTTL),
		DatabaseURL: getEnvOrDefault("DATABASE_URL", ""),

		TesseractLanguages: getEnvAsListOrDefault("TESSERACT_LANGUAGES", d.TesseractLanguages),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", d.LogLevel),
		LogFormat: getEnvOrDefault("LOG_FORMAT", d.LogFormat),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	switch c.LLMProvider {
	case ProviderDeepSeek, ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("LLM_PROVIDER must be one of deepseek, openai, anthropic, got %q", c.LLMProvider)
	}

	if strings.TrimSpace(c.LLMAPIKey) == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}

	if c.MaxConcurrentRequests < 1 || c.MaxConcurrentRequests > 32 {
		return fmt.Errorf("MAX_CONCURRENT_REQUESTS must be between 1 and 32, got %d", c.MaxConcurrentRequests)
	}

	if c.RateLimitRequests < 1 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", c.RateLimitRequests)
	}

	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %v", c.RateLimitWindow)
	}

	if c.OCRMinConfidence < 0 || c.OCRMinConfidence > 1 {
		return fmt.Errorf("OCR_MIN_CONFIDENCE must be within [0,1], got %v", c.OCRMinConfidence)
	}

	if c.MergeProximity < 0 {
		return fmt.Errorf("MERGE_PROXIMITY must not be negative, got %v", c.MergeProximity)
	}

	if c.MergeMinOverlap <= 0 || c.MergeMinOverlap > 1 {
		return fmt.Errorf("MERGE_MIN_OVERLAP must be within (0,1], got %v", c.MergeMinOverlap)
	}

	if c.CacheCapacity < 1 {
		return fmt.Errorf("CACHE_CAPACITY must be at least 1, got %d", c.CacheCapacity)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}

	if c.BackoffBase <= 0 || c.BackoffBase > c.BackoffCap {
		return fmt.Errorf("BACKOFF_BASE must be positive and not exceed BACKOFF_CAP (%v > %v)", c.BackoffBase, c.BackoffCap)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %v", c.RequestTimeout)
	}

	return nil
}

// defaultBaseURL is empty for SDK-backed providers, which know their own endpoint
func defaultBaseURL(provider string) string {
	if provider == ProviderDeepSeek {
		return DefaultDeepSeekBaseURL
	}
	return ""
}

func defaultModel(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderAnthropic:
		return "claude-3-5-haiku-latest"
	}
	return "deepseek-chat"
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsListOrDefault splits a comma- or plus-separated list ("eng+chi_sim")
func getEnvAsListOrDefault(key string, defaultValue []string) []string {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}

	parts := strings.FieldsFunc(valueStr, func(r rune) bool { return r == ',' || r == '+' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
