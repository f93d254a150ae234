package main

import (
	"fmt"
	"strings"

	"simforge/internal/backend"
	"simforge/internal/bridge"

	"github.com/spf13/cobra"
)

// doctorCmd checks the environment and configuration
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the environment and configuration",
	Long: `Runs health checks: configuration validity, provider credentials, the
skill library, the vector store, ollama reachability and the backend
probe. Exits non-zero when any check fails.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	checks := bridge.DoctorChecks(ctx, cfg, backend.NewLocal())

	fmt.Println("forge doctor")
	fmt.Println(strings.Repeat("─", 50))
	failed := 0
	for _, c := range checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
			failed++
		}
		if c.Detail != "" {
			fmt.Printf("  %s %-14s %s\n", mark, c.Name, c.Detail)
		} else {
			fmt.Printf("  %s %s\n", mark, c.Name)
		}
	}
	fmt.Println(strings.Repeat("─", 50))
	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(checks))
	}
	fmt.Printf("All %d checks passed\n", len(checks))
	return nil
}
