// Package config holds all simforge configuration.
// Config is loaded from .forge/config.yaml with environment overrides;
// a missing file yields defaults so the CLI works out of the box.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all simforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM gateway configuration
	LLM LLMConfig `yaml:"llm"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Skill loading and retrieval
	Skills SkillsConfig `yaml:"skills"`

	// Session context persistence
	Context ContextConfig `yaml:"context"`

	// Step execution loop
	Executor ExecutorConfig `yaml:"executor"`

	// Filesystem layout
	Paths PathsConfig `yaml:"paths"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultPath returns the conventional config location under the workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".forge", "config.yaml")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "simforge",
		Version: "0.4.0",

		LLM: LLMConfig{
			Provider:    "ollama",
			OllamaURL:   "http://localhost:11434",
			Timeout:     "120s",
			MaxRetries:  3,
			Temperature: 0.2,
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "all-minilm",
			GenAIModel:     "gemini-embedding-001",
			Dimensions:     384,
			TaskType:       "SEMANTIC_SIMILARITY",
		},

		Skills: SkillsConfig{
			Dir:        "skills",
			TopK:       3,
			MaxPayload: 32000,
			Watch:      false,
		},

		Context: ContextConfig{
			Root:          ".forge/context",
			MaxHistory:    100,
			SummaryWindow: 20,
			AsyncMemory:   true,
		},

		Executor: ExecutorConfig{
			MaxIterations:    10,
			StepRetries:      3,
			WarningThreshold: 5,
			TurnTimeout:      "600s",
		},

		Paths: PathsConfig{
			DataDir:    "data",
			OutputDir:  "models",
			PromptsDir: "prompts",
			VectorDB:   filepath.Join("data", "skills.db"),
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
// A missing file returns defaults; environment variables override both.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
// Provider keys are checked lowest priority first so later assignments win.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ZAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" || c.LLM.Provider == "ollama" {
			c.LLM.Provider = "zai"
		}
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "openrouter"
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
		if c.Embedding.GenAIAPIKey == "" {
			c.Embedding.GenAIAPIKey = key
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "openai"
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "anthropic"
	}

	if url := os.Getenv("OLLAMA_URL"); url != "" {
		c.LLM.OllamaURL = url
		c.Embedding.OllamaEndpoint = url
	}
	if path := os.Getenv("SIMFORGE_DB"); path != "" {
		c.Paths.VectorDB = path
	}
	if os.Getenv("SIMFORGE_DEBUG") == "1" || os.Getenv("SIMFORGE_DEBUG") == "true" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// Validate checks the configuration for usability.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai", "gemini", "zai", "openrouter":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("provider %s requires an API key", c.LLM.Provider)
		}
	case "ollama":
		if c.LLM.OllamaURL == "" {
			return fmt.Errorf("provider ollama requires ollama_url")
		}
	default:
		return fmt.Errorf("unknown LLM provider: %s", c.LLM.Provider)
	}

	switch c.Embedding.Provider {
	case "ollama", "genai", "none":
	default:
		return fmt.Errorf("unknown embedding provider: %s", c.Embedding.Provider)
	}

	if c.Executor.MaxIterations < 1 {
		return fmt.Errorf("executor max_iterations must be at least 1")
	}
	if c.Skills.TopK < 1 {
		return fmt.Errorf("skills top_k must be at least 1")
	}

	return nil
}

// GetLLMTimeout returns the LLM call timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetTurnTimeout returns the per-turn deadline as a duration.
func (c *Config) GetTurnTimeout() time.Duration {
	d, err := time.ParseDuration(c.Executor.TurnTimeout)
	if err != nil {
		return 600 * time.Second
	}
	return d
}
