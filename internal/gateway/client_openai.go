package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// OpenAIClient implements Client for the OpenAI API.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	httpClient  *http.Client
	mu          sync.Mutex
	lastRequest time.Time
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultOpenAIConfig returns sensible defaults.
func DefaultOpenAIConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		APIKey:  apiKey,
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o",
		Timeout: 120 * time.Second,
	}
}

// NewOpenAIClient creates a new OpenAI client with default config.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return NewOpenAIClientWithConfig(DefaultOpenAIConfig(apiKey))
}

// NewOpenAIClientWithConfig creates a new OpenAI client with custom config.
func NewOpenAIClientWithConfig(config OpenAIConfig) *OpenAIClient {
	return &OpenAIClient{
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		model:   config.Model,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Complete sends a prompt and returns the completion.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteAt(ctx, "", prompt, defaultTemperature)
}

// CompleteWithSystem sends a prompt with a system message.
func (c *OpenAIClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.CompleteAt(ctx, systemPrompt, userPrompt, defaultTemperature)
}

// CompleteAt sends a prompt at an explicit temperature.
func (c *OpenAIClient) CompleteAt(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (string, error) {
	ctx, cancel := ensureDeadline(ctx, c.httpClient.Timeout)
	defer cancel()

	c.throttle(100 * time.Millisecond)

	reqBody := ChatRequest{
		Model:       c.model,
		Messages:    buildChatMessages(systemPrompt, userPrompt),
		MaxTokens:   4096,
		Temperature: temperature,
	}
	return executeChat(ctx, c.httpClient, c.baseURL, c.apiKey, nil, reqBody)
}

// CompleteStream sends a prompt with streaming enabled.
func (c *OpenAIClient) CompleteStream(ctx context.Context, systemPrompt, userPrompt string, temperature float64, onChunk func(string)) (string, error) {
	ctx, cancel := ensureDeadline(ctx, c.httpClient.Timeout)
	defer cancel()

	c.throttle(100 * time.Millisecond)

	reqBody := ChatRequest{
		Model:       c.model,
		Messages:    buildChatMessages(systemPrompt, userPrompt),
		MaxTokens:   4096,
		Temperature: temperature,
	}
	return streamChat(ctx, c.httpClient, c.baseURL, c.apiKey, nil, reqBody, onChunk)
}

// Name identifies the provider and model.
func (c *OpenAIClient) Name() string {
	return "openai:" + c.model
}

// SetModel changes the model used for completions.
func (c *OpenAIClient) SetModel(model string) {
	c.model = model
}

// GetModel returns the current model.
func (c *OpenAIClient) GetModel() string {
	return c.model
}

// throttle enforces a minimum interval between requests.
func (c *OpenAIClient) throttle(minInterval time.Duration) {
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < minInterval {
		time.Sleep(minInterval - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()
}
