package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"simforge/internal/config"
	"simforge/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose      bool
	conversation string
	providerFlag string
	modelFlag    string
	cfgFile      string
	workspace    string

	// Effective configuration, resolved in PersistentPreRunE
	cfg     *config.Config
	cfgPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "simforge - natural language simulation modeling agent",
	Long: `forge builds physics simulation models from natural language.

A request is decomposed into geometry, material, physics, mesh and study
plans, validated against a Datalog rule kernel, then executed step by
step against the modeling backend while progress streams to the terminal.

Examples:
  forge run "build a 100x50 mm steel plate and mesh it"
  forge plan "thermal analysis of an aluminum heatsink" -o plan.json
  forge exec plan.json
  forge demo`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; a missing file is not an error
		_ = godotenv.Load()

		ws := workspace
		if ws == "" {
			var err error
			ws, err = config.FindWorkspaceRoot()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
		}
		workspace = ws

		path := cfgFile
		if path == "" {
			path = config.DefaultPath(workspace)
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfgPath = path

		if providerFlag != "" {
			cfg.LLM.Provider = providerFlag
			if key := providerKeyFromEnv(providerFlag); key != "" {
				cfg.LLM.APIKey = key
			}
		}
		if modelFlag != "" {
			cfg.LLM.Model = modelFlag
		}
		if verbose {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}
		anchorPaths(cfg, workspace)

		if err := logging.Initialize(workspace); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: file logging unavailable: %v\n", err)
		}

		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&conversation, "conversation", "c", "", "Conversation id (default: the default session)")
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "LLM provider override (anthropic, openai, gemini, zai, openrouter, ollama)")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "Model override for the selected provider")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: <workspace>/.forge/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: nearest .forge root)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// anchorPaths resolves the config's relative paths against the workspace
// so commands behave the same from any working directory.
func anchorPaths(c *config.Config, base string) {
	c.Context.Root = anchor(base, c.Context.Root)
	c.Skills.Dir = anchor(base, c.Skills.Dir)
	c.Paths.DataDir = anchor(base, c.Paths.DataDir)
	c.Paths.OutputDir = anchor(base, c.Paths.OutputDir)
	c.Paths.PromptsDir = anchor(base, c.Paths.PromptsDir)
	c.Paths.VectorDB = anchor(base, c.Paths.VectorDB)
}

func anchor(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// providerKeyFromEnv resolves the conventional credential variable for a
// provider, e.g. anthropic -> ANTHROPIC_API_KEY.
func providerKeyFromEnv(provider string) string {
	return os.Getenv(strings.ToUpper(strings.TrimSpace(provider)) + "_API_KEY")
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func joinArgs(args []string) string {
	result := ""
	for i, arg := range args {
		if i > 0 {
			result += " "
		}
		result += arg
	}
	return result
}
