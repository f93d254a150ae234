package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// ZAIClient implements Client for the Z.AI GLM API. The API allows at
// most 5 concurrent requests, enforced here with a semaphore.
type ZAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	httpClient  *http.Client
	mu          sync.Mutex
	lastRequest time.Time
	sem         chan struct{}
}

// ZAIConfig holds configuration for the Z.AI client.
type ZAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultZAIConfig returns sensible defaults.
func DefaultZAIConfig(apiKey string) ZAIConfig {
	return ZAIConfig{
		APIKey:  apiKey,
		BaseURL: "https://api.z.ai/api/paas/v4",
		Model:   "glm-4.7",
		Timeout: 120 * time.Second,
	}
}

// NewZAIClient creates a new Z.AI client with default config.
func NewZAIClient(apiKey string) *ZAIClient {
	return NewZAIClientWithConfig(DefaultZAIConfig(apiKey))
}

// NewZAIClientWithConfig creates a new Z.AI client with custom config.
func NewZAIClientWithConfig(config ZAIConfig) *ZAIClient {
	return &ZAIClient{
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		model:   config.Model,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		sem: make(chan struct{}, 5),
	}
}

// Complete sends a prompt and returns the completion.
func (c *ZAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteAt(ctx, "", prompt, defaultTemperature)
}

// CompleteWithSystem sends a prompt with a system message.
func (c *ZAIClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.CompleteAt(ctx, systemPrompt, userPrompt, defaultTemperature)
}

// CompleteAt sends a prompt at an explicit temperature.
func (c *ZAIClient) CompleteAt(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (string, error) {
	ctx, cancel := ensureDeadline(ctx, c.httpClient.Timeout)
	defer cancel()

	release, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	c.throttle()

	reqBody := ChatRequest{
		Model:       c.model,
		Messages:    buildChatMessages(systemPrompt, userPrompt),
		MaxTokens:   4096,
		Temperature: temperature,
	}
	return executeChat(ctx, c.httpClient, c.baseURL, c.apiKey, nil, reqBody)
}

// CompleteStream sends a prompt with streaming enabled.
func (c *ZAIClient) CompleteStream(ctx context.Context, systemPrompt, userPrompt string, temperature float64, onChunk func(string)) (string, error) {
	ctx, cancel := ensureDeadline(ctx, c.httpClient.Timeout)
	defer cancel()

	release, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	c.throttle()

	reqBody := ChatRequest{
		Model:       c.model,
		Messages:    buildChatMessages(systemPrompt, userPrompt),
		MaxTokens:   4096,
		Temperature: temperature,
	}
	return streamChat(ctx, c.httpClient, c.baseURL, c.apiKey, nil, reqBody, onChunk)
}

// Name identifies the provider and model.
func (c *ZAIClient) Name() string {
	return "zai:" + c.model
}

// SetModel changes the model used for completions.
func (c *ZAIClient) SetModel(model string) {
	c.model = model
}

// GetModel returns the current model.
func (c *ZAIClient) GetModel() string {
	return c.model
}

func (c *ZAIClient) acquire(ctx context.Context) (func(), error) {
	select {
	case c.sem <- struct{}{}:
		return func() { <-c.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// throttle keeps at least 600ms between requests.
func (c *ZAIClient) throttle() {
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 600*time.Millisecond {
		time.Sleep(600*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()
}
