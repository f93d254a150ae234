package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// OpenRouterClient implements Client for OpenRouter, which fronts many
// model providers behind one OpenAI-compatible API.
type OpenRouterClient struct {
	apiKey      string
	baseURL     string
	model       string
	siteURL     string
	siteName    string
	httpClient  *http.Client
	mu          sync.Mutex
	lastRequest time.Time
}

// OpenRouterConfig holds configuration for the OpenRouter client.
type OpenRouterConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
	SiteURL  string // optional, used for OpenRouter rankings
	SiteName string // optional
}

// DefaultOpenRouterConfig returns sensible defaults.
func DefaultOpenRouterConfig(apiKey string) OpenRouterConfig {
	return OpenRouterConfig{
		APIKey:   apiKey,
		BaseURL:  "https://openrouter.ai/api/v1",
		Model:    "anthropic/claude-3.5-sonnet",
		Timeout:  120 * time.Second,
		SiteName: "simforge",
	}
}

// NewOpenRouterClient creates a new OpenRouter client with default config.
func NewOpenRouterClient(apiKey string) *OpenRouterClient {
	return NewOpenRouterClientWithConfig(DefaultOpenRouterConfig(apiKey))
}

// NewOpenRouterClientWithConfig creates a new OpenRouter client with custom config.
func NewOpenRouterClientWithConfig(config OpenRouterConfig) *OpenRouterClient {
	return &OpenRouterClient{
		apiKey:   config.APIKey,
		baseURL:  config.BaseURL,
		model:    config.Model,
		siteURL:  config.SiteURL,
		siteName: config.SiteName,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Complete sends a prompt and returns the completion.
func (c *OpenRouterClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteAt(ctx, "", prompt, defaultTemperature)
}

// CompleteWithSystem sends a prompt with a system message.
func (c *OpenRouterClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.CompleteAt(ctx, systemPrompt, userPrompt, defaultTemperature)
}

// CompleteAt sends a prompt at an explicit temperature.
func (c *OpenRouterClient) CompleteAt(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (string, error) {
	ctx, cancel := ensureDeadline(ctx, c.httpClient.Timeout)
	defer cancel()

	c.throttle()

	reqBody := ChatRequest{
		Model:       c.model,
		Messages:    buildChatMessages(systemPrompt, userPrompt),
		MaxTokens:   4096,
		Temperature: temperature,
	}
	return executeChat(ctx, c.httpClient, c.baseURL, c.apiKey, c.rankingHeaders(), reqBody)
}

// CompleteStream sends a prompt with streaming enabled.
func (c *OpenRouterClient) CompleteStream(ctx context.Context, systemPrompt, userPrompt string, temperature float64, onChunk func(string)) (string, error) {
	ctx, cancel := ensureDeadline(ctx, c.httpClient.Timeout)
	defer cancel()

	c.throttle()

	reqBody := ChatRequest{
		Model:       c.model,
		Messages:    buildChatMessages(systemPrompt, userPrompt),
		MaxTokens:   4096,
		Temperature: temperature,
	}
	return streamChat(ctx, c.httpClient, c.baseURL, c.apiKey, c.rankingHeaders(), reqBody, onChunk)
}

// Name identifies the provider and model.
func (c *OpenRouterClient) Name() string {
	return "openrouter:" + c.model
}

// SetModel changes the model used for completions.
func (c *OpenRouterClient) SetModel(model string) {
	c.model = model
}

// GetModel returns the current model.
func (c *OpenRouterClient) GetModel() string {
	return c.model
}

func (c *OpenRouterClient) rankingHeaders() map[string]string {
	headers := map[string]string{}
	if c.siteURL != "" {
		headers["HTTP-Referer"] = c.siteURL
	}
	if c.siteName != "" {
		headers["X-Title"] = c.siteName
	}
	return headers
}

func (c *OpenRouterClient) throttle() {
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()
}
