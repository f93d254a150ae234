package config

// SkillsConfig configures skill loading and retrieval.
type SkillsConfig struct {
	// Dir is the root of the skill library, scanned for SKILL.md files.
	Dir string `yaml:"dir"`

	// TopK is how many skills are injected per turn.
	TopK int `yaml:"top_k"`

	// MaxPayload caps the injected skill payload in characters.
	MaxPayload int `yaml:"max_payload"`

	// Watch enables live reload of the skill directory.
	Watch bool `yaml:"watch"`
}

// ContextConfig configures session context persistence.
type ContextConfig struct {
	// Root is the directory holding per-session context files.
	Root string `yaml:"root"`

	// MaxHistory caps persisted history entries. Oldest are dropped.
	MaxHistory int `yaml:"max_history"`

	// SummaryWindow is how many recent entries feed summary generation.
	SummaryWindow int `yaml:"summary_window"`

	// AsyncMemory writes memory updates on a background worker.
	AsyncMemory bool `yaml:"async_memory"`
}

// ExecutorConfig configures the step execution loop.
type ExecutorConfig struct {
	// MaxIterations bounds the reason-act-observe loop per turn.
	MaxIterations int `yaml:"max_iterations"`

	// StepRetries is how many times a failing step is retried before
	// it is skipped.
	StepRetries int `yaml:"step_retries"`

	// WarningThreshold triggers plan refinement once accumulated
	// warnings reach it.
	WarningThreshold int `yaml:"warning_threshold"`

	// TurnTimeout is the overall per-turn deadline, e.g. "600s".
	TurnTimeout string `yaml:"turn_timeout"`
}
