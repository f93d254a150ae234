package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var modelsLimit int

// modelsCmd lists generated model files
var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage generated models",
	RunE:  runModelsList,
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List generated model files, newest first",
	RunE:  runModelsList,
}

func init() {
	modelsCmd.PersistentFlags().IntVar(&modelsLimit, "limit", 10, "Maximum models to list")
	modelsCmd.AddCommand(modelsListCmd)
	rootCmd.AddCommand(modelsCmd)
}

func runModelsList(cmd *cobra.Command, args []string) error {
	type modelFile struct {
		name     string
		size     int64
		modified time.Time
	}

	entries, err := os.ReadDir(cfg.Paths.OutputDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No models yet.")
			return nil
		}
		return fmt.Errorf("failed to read output directory: %w", err)
	}

	var models []modelFile
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".mph") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		models = append(models, modelFile{e.Name(), info.Size(), info.ModTime()})
	}
	sort.Slice(models, func(i, j int) bool {
		return models[i].modified.After(models[j].modified)
	})
	if modelsLimit > 0 && len(models) > modelsLimit {
		models = models[:modelsLimit]
	}

	if len(models) == 0 {
		fmt.Println("No models yet.")
		return nil
	}

	fmt.Printf("📦 Models in %s\n", cfg.Paths.OutputDir)
	fmt.Println(strings.Repeat("─", 50))
	for _, m := range models {
		fmt.Printf("  %s  %9d  %s\n", m.modified.Format("2006-01-02 15:04"), m.size, m.name)
	}
	fmt.Println(strings.Repeat("─", 50))
	fmt.Printf("Total: %d models\n", len(models))
	return nil
}
