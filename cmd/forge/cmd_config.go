package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configCmd shows and saves configuration
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or save the configuration",
	Long: `Without a subcommand, prints the effective configuration after env
overrides and flags. 'config save' writes it to the config file so the
current settings become the workspace defaults.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  runConfigShow,
}

var configSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Write the effective configuration to the config file",
	RunE:  runConfigSave,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSaveCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	// Credentials stay out of terminal output
	shown := *cfg
	if shown.LLM.APIKey != "" {
		shown.LLM.APIKey = "(set)"
	}
	if shown.Embedding.GenAIAPIKey != "" {
		shown.Embedding.GenAIAPIKey = "(set)"
	}

	data, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	fmt.Printf("# %s\n", cfgPath)
	fmt.Print(string(data))
	return nil
}

func runConfigSave(cmd *cobra.Command, args []string) error {
	if err := cfg.Save(cfgPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Printf("✅ Config written to %s\n", cfgPath)
	return nil
}
