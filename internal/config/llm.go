package config

// LLMConfig configures the LLM gateway.
type LLMConfig struct {
	// Provider selects the backend: anthropic, openai, gemini, zai,
	// openrouter, or ollama.
	Provider string `yaml:"provider"`

	// Model is the provider-specific model identifier. Empty selects
	// the provider default.
	Model string `yaml:"model"`

	// APIKey authenticates hosted providers. Usually injected from the
	// environment rather than written to disk.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the provider endpoint for proxies and
	// self-hosted gateways.
	BaseURL string `yaml:"base_url,omitempty"`

	// OllamaURL is the local Ollama endpoint.
	OllamaURL string `yaml:"ollama_url"`

	// Timeout is the per-call deadline, e.g. "120s".
	Timeout string `yaml:"timeout"`

	// MaxRetries bounds retry attempts on transient failures.
	MaxRetries int `yaml:"max_retries"`

	// Temperature for completion calls.
	Temperature float64 `yaml:"temperature"`
}

// EmbeddingConfig configures the embedding engine used for skill recall.
type EmbeddingConfig struct {
	// Provider selects the engine: ollama, genai, or none.
	// "none" disables semantic recall and falls back to trigger matching.
	Provider string `yaml:"provider"`

	// OllamaEndpoint is the Ollama embeddings endpoint.
	OllamaEndpoint string `yaml:"ollama_endpoint"`

	// OllamaModel is the Ollama embedding model name.
	OllamaModel string `yaml:"ollama_model"`

	// GenAIAPIKey authenticates the Gemini embedding engine.
	GenAIAPIKey string `yaml:"genai_api_key,omitempty"`

	// GenAIModel is the Gemini embedding model name.
	GenAIModel string `yaml:"genai_model"`

	// Dimensions is the vector width. All indexed skills must share it.
	Dimensions int `yaml:"dimensions"`

	// TaskType hints the embedding objective to engines that support it.
	TaskType string `yaml:"task_type"`
}
