package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey       string
	Model        string // e.g., "gpt-4o-mini"
	SystemPrompt string // Optional custom system prompt
	BaseURL      string // overrides the API endpoint (tests)
	MaxRetries   int
}

// OpenAIClient implements the Client interface using OpenAI's chat
// completions. It has no web search tool; answers come from the model alone.
type OpenAIClient struct {
	client       openai.Client
	model        string
	systemPrompt string
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = SystemPromptVoiceAgent
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		client:       openai.NewClient(opts...),
		model:        model,
		systemPrompt: systemPrompt,
	}
}

func (c *OpenAIClient) params(question string) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(c.systemPrompt),
			openai.UserMessage(question),
		},
	}
}

// StreamResponse streams the answer fragment by fragment.
func (c *OpenAIClient) StreamResponse(ctx context.Context, question string, onFragment func(string) error) error {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(question))
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		content := chunk.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		if err := onFragment(content); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	return nil
}

// Generate returns the whole answer from a single request.
func (c *OpenAIClient) Generate(ctx context.Context, question string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.params(question))
	if err != nil {
		return "", fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
