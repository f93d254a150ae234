package config

// PathsConfig configures the filesystem layout.
type PathsConfig struct {
	// DataDir holds durable agent state, including the vector database.
	DataDir string `yaml:"data_dir"`

	// OutputDir receives generated model files.
	OutputDir string `yaml:"output_dir"`

	// PromptsDir holds prompt template overrides.
	PromptsDir string `yaml:"prompts_dir"`

	// VectorDB is the skill vector database path.
	VectorDB string `yaml:"vector_db"`
}

// LoggingConfig configures file logging. The logging package reads the
// same keys directly from config.yaml; this mirror keeps Save round-trips
// lossless.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}
