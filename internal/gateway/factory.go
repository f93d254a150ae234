package gateway

import (
	"fmt"
	"os"
	"strings"
	"time"

	"simforge/internal/config"
	"simforge/internal/logging"
)

// NewClientFromConfig builds the provider client the config selects.
// Hosted providers fail fast without an API key; ollama needs only a
// URL. An unset provider falls back to environment detection.
func NewClientFromConfig(cfg *config.Config) (Client, error) {
	provider := Provider(strings.ToLower(strings.TrimSpace(cfg.LLM.Provider)))
	apiKey := cfg.LLM.APIKey

	if provider == "" {
		detected, detectedKey := detectProvider()
		provider = detected
		if apiKey == "" {
			apiKey = detectedKey
		}
		logging.Gateway("no provider configured, detected %s", provider)
	}

	return NewClientForProvider(provider, apiKey, cfg.LLM.Model, cfg.LLM.BaseURL, cfg.LLM.OllamaURL, cfg.GetLLMTimeout())
}

// NewGatewayFromConfig builds the client and wraps it in a Gateway.
func NewGatewayFromConfig(cfg *config.Config) (*Gateway, error) {
	client, err := NewClientFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return New(client), nil
}

// NewClientForProvider constructs a single provider client. model and
// baseURL may be empty to take the provider defaults. The bridge uses
// this directly for per-turn provider overrides.
func NewClientForProvider(provider Provider, apiKey, model, baseURL, ollamaURL string, timeout time.Duration) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		if apiKey == "" {
			return nil, fmt.Errorf("provider anthropic requires an API key")
		}
		conf := DefaultAnthropicConfig(apiKey)
		if baseURL != "" {
			conf.BaseURL = baseURL
		}
		if model != "" {
			conf.Model = model
		}
		if timeout > 0 {
			conf.Timeout = timeout
		}
		return NewAnthropicClientWithConfig(conf), nil

	case ProviderOpenAI:
		if apiKey == "" {
			return nil, fmt.Errorf("provider openai requires an API key")
		}
		conf := DefaultOpenAIConfig(apiKey)
		if baseURL != "" {
			conf.BaseURL = baseURL
		}
		if model != "" {
			conf.Model = model
		}
		if timeout > 0 {
			conf.Timeout = timeout
		}
		return NewOpenAIClientWithConfig(conf), nil

	case ProviderGemini:
		return NewGeminiClient(apiKey, model)

	case ProviderZAI:
		if apiKey == "" {
			return nil, fmt.Errorf("provider zai requires an API key")
		}
		conf := DefaultZAIConfig(apiKey)
		if baseURL != "" {
			conf.BaseURL = baseURL
		}
		if model != "" {
			conf.Model = model
		}
		if timeout > 0 {
			conf.Timeout = timeout
		}
		return NewZAIClientWithConfig(conf), nil

	case ProviderOpenRouter:
		if apiKey == "" {
			return nil, fmt.Errorf("provider openrouter requires an API key")
		}
		conf := DefaultOpenRouterConfig(apiKey)
		if baseURL != "" {
			conf.BaseURL = baseURL
		}
		if model != "" {
			conf.Model = model
		}
		if timeout > 0 {
			conf.Timeout = timeout
		}
		return NewOpenRouterClientWithConfig(conf), nil

	case ProviderOllama:
		url := ollamaURL
		if url == "" {
			url = baseURL
		}
		return NewOllamaClient(url, model, timeout), nil

	default:
		return nil, fmt.Errorf("unknown provider: %s (valid: anthropic, openai, gemini, zai, openrouter, ollama)", provider)
	}
}

// detectProvider checks environment variables in priority order and
// falls back to ollama, which needs no credential.
func detectProvider() (Provider, string) {
	candidates := []struct {
		envVar   string
		provider Provider
	}{
		{"ANTHROPIC_API_KEY", ProviderAnthropic},
		{"OPENAI_API_KEY", ProviderOpenAI},
		{"GEMINI_API_KEY", ProviderGemini},
		{"ZAI_API_KEY", ProviderZAI},
		{"OPENROUTER_API_KEY", ProviderOpenRouter},
	}
	for _, c := range candidates {
		if key := os.Getenv(c.envVar); key != "" {
			return c.provider, key
		}
	}
	return ProviderOllama, ""
}
