// Package llm provides text generation backends used for news impact reasoning.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Provider names accepted in configuration.
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Generator turns a prompt into raw model text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Name() string
}

// Config selects and tunes a provider.
type Config struct {
	Provider    string
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
}

// New builds the configured generator. It returns (nil, nil) when no API key
// is set; callers treat that as "reason without a model".
func New(ctx context.Context, cfg Config) (Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, nil
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderGemini, "":
		return newGemini(ctx, cfg)
	case ProviderAnthropic, "claude":
		return newAnthropic(cfg), nil
	case ProviderOpenAI:
		return newOpenAI(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown reasoning provider %q", cfg.Provider)
	}
}

// IsRateLimitError reports whether err looks like a provider quota rejection.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(strings.ToLower(msg), "rate limit") ||
		strings.Contains(strings.ToLower(msg), "quota")
}
