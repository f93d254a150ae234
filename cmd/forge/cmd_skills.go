// Package main implements the skill library commands.
package main

import (
	"fmt"
	"strings"

	"simforge/internal/embedding"
	"simforge/internal/skills"
	"simforge/internal/store"

	"github.com/spf13/cobra"
)

// skillsCmd manages the skill library
var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "Manage the skill library",
	Long: `Lists and indexes the SKILL.md library injected into planning prompts.

Subcommands:
  list     - List loaded skills (default)
  reindex  - Rebuild the vector index from the skill directory`,
	RunE: runSkillsList,
}

var skillsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded skills",
	RunE:  runSkillsList,
}

var skillsReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the skill vector index",
	RunE:  runSkillsReindex,
}

func init() {
	skillsCmd.AddCommand(skillsListCmd)
	skillsCmd.AddCommand(skillsReindexCmd)
	rootCmd.AddCommand(skillsCmd)
}

func runSkillsList(cmd *cobra.Command, args []string) error {
	library, err := skills.LoadDirectory(cfg.Skills.Dir)
	if err != nil {
		return fmt.Errorf("failed to load skills: %w", err)
	}
	if len(library) == 0 {
		fmt.Printf("No skills found under %s\n", cfg.Skills.Dir)
		return nil
	}

	fmt.Printf("📚 Skills in %s\n", cfg.Skills.Dir)
	fmt.Println(strings.Repeat("─", 50))
	for _, s := range library {
		fmt.Printf("  %-24s %s\n", s.Name, s.Description)
	}
	fmt.Println(strings.Repeat("─", 50))
	fmt.Printf("Total: %d skills\n", len(library))
	return nil
}

func runSkillsReindex(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	library, err := skills.LoadDirectory(cfg.Skills.Dir)
	if err != nil {
		return fmt.Errorf("failed to load skills: %w", err)
	}
	if len(library) == 0 {
		fmt.Printf("No skills found under %s, nothing to index\n", cfg.Skills.Dir)
		return nil
	}

	engine, err := embedding.NewEngine(embeddingConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to build embedding engine: %w", err)
	}
	if engine == nil {
		fmt.Println("Embedding provider is 'none'; semantic recall is disabled, nothing to index.")
		return nil
	}

	db, err := store.NewSkillStore(cfg.Paths.VectorDB, engine, cfg.Skills.MaxPayload)
	if err != nil {
		return fmt.Errorf("failed to open skill store: %w", err)
	}
	defer db.Close()

	fmt.Printf("Indexing %d skills...\n", len(library))
	if err := db.Index(ctx, library); err != nil {
		return fmt.Errorf("reindex failed: %w", err)
	}
	count, _ := db.Count()
	fmt.Printf("✅ Indexed %d skills into %s\n", count, cfg.Paths.VectorDB)
	return nil
}
