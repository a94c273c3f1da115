package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NoKeyMeansNoGenerator(t *testing.T) {
	for _, provider := range []string{ProviderGemini, ProviderAnthropic, ProviderOpenAI, "bogus"} {
		gen, err := New(context.Background(), Config{Provider: provider, APIKey: "  "})
		assert.NoError(t, err, provider)
		assert.Nil(t, gen, provider)
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(context.Background(), Config{Provider: "bogus", APIKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestNew_Anthropic(t *testing.T) {
	gen, err := New(context.Background(), Config{Provider: "anthropic", APIKey: "k", Model: "claude-test"})
	require.NoError(t, err)
	require.NotNil(t, gen)
	assert.Equal(t, "anthropic/claude-test", gen.Name())
}

func TestAnthropic_GenerateJoinsTextBlocks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [
				{"type": "text", "text": "{\"direction\": "},
				{"type": "tool_use", "id": "tu_1", "name": "noop", "input": {}},
				{"type": "text", "text": "\"up\"}"}
			],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer server.Close()

	gen, err := New(context.Background(), Config{Provider: "anthropic", APIKey: "k", Model: "claude-test", BaseURL: server.URL})
	require.NoError(t, err)

	text, err := gen.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"direction": "up"}`, text)
}

func TestAnthropic_GenerateWithoutTextFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "msg_2", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [], "stop_reason": "end_turn", "usage": {"input_tokens": 1, "output_tokens": 0}}`))
	}))
	defer server.Close()

	gen, err := New(context.Background(), Config{Provider: "anthropic", APIKey: "k", Model: "claude-test", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no text")
}

func TestNew_OpenAICompatible(t *testing.T) {
	gen, err := New(context.Background(), Config{
		Provider: "openai",
		APIKey:   "k",
		Model:    "gpt-test",
		BaseURL:  "http://127.0.0.1:1/v1",
	})
	require.NoError(t, err)
	require.NotNil(t, gen)
	assert.Equal(t, "openai/gpt-test", gen.Name())
}

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Error 429, Message: Please retry in 45s"), true},
		{errors.New("Status: RESOURCE_EXHAUSTED"), true},
		{errors.New("monthly quota exceeded"), true},
		{errors.New("Rate limit reached for requests"), true},
		{errors.New("invalid api key"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRateLimitError(tt.err), "%v", tt.err)
	}
}
