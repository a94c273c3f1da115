package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// openAICompatible talks to any OpenAI-style chat endpoint (OpenAI, DeepSeek, local gateways).
type openAICompatible struct {
	chat  model.ChatModel
	model string
}

func newOpenAI(ctx context.Context, cfg Config) (*openAICompatible, error) {
	temperature := float32(cfg.Temperature)
	maxTokens := cfg.MaxTokens

	chat, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI-compatible chat model: %w", err)
	}
	return &openAICompatible{chat: chat, model: cfg.Model}, nil
}

func (o *openAICompatible) Name() string { return ProviderOpenAI + "/" + o.model }

func (o *openAICompatible) Generate(ctx context.Context, prompt string) (string, error) {
	messages := []*schema.Message{
		{Role: schema.System, Content: "You are a JSON generator. Respond with a single JSON object only."},
		{Role: schema.User, Content: prompt},
	}

	resp, err := o.chat.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("chat generation failed: %w", err)
	}
	if resp == nil || resp.Content == "" {
		return "", errors.New("chat model returned no text")
	}
	return resp.Content, nil
}
