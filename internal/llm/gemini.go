package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey         string
	Model          string // e.g., "gemini-2.5-flash"
	SystemPrompt   string
	ThinkingBudget int32 // -1 lets the model decide
	WebSearch      bool
	BaseURL        string // overrides the API endpoint (tests)
}

// GeminiClient implements Client using the Gemini API with Google Search
// grounding.
type GeminiClient struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = SystemPromptVoiceAgent
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiClient{
		client: client,
		model:  cfg.Model,
		config: generateConfig(cfg),
	}, nil
}

func generateConfig(cfg GeminiConfig) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(cfg.SystemPrompt, genai.RoleUser),
		ThinkingConfig: &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr(cfg.ThinkingBudget),
		},
	}
	if cfg.WebSearch {
		gc.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return gc
}

// StreamResponse streams the answer fragment by fragment.
func (c *GeminiClient) StreamResponse(ctx context.Context, question string, onFragment func(string) error) error {
	for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, genai.Text(question), c.config) {
		if err != nil {
			return fmt.Errorf("gemini stream: %w", err)
		}
		text := resp.Text()
		if text == "" {
			continue
		}
		if err := onFragment(text); err != nil {
			return err
		}
	}
	return nil
}

// Generate returns the whole answer from a single request.
func (c *GeminiClient) Generate(ctx context.Context, question string) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(question), c.config)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
