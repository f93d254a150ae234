// Package main implements the session context commands.
package main

import (
	"fmt"
	"strings"

	"simforge/internal/session"

	"github.com/spf13/cobra"
)

var historyLimit int

// contextCmd inspects and manages session context
var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Inspect and manage session context",
	Long: `Shows and edits the memory of a conversation. Select the conversation
with --conversation; the default session is used otherwise.

Subcommands:
  show         - Summary, stats and recent turns (default)
  summary      - Print the rolled-up summary
  set-summary  - Overwrite the summary text
  history      - List recent turns
  stats        - Aggregate counters
  clear        - Reset the session's context`,
	RunE: runContextShow,
}

var contextShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show summary, stats and recent turns",
	RunE:  runContextShow,
}

var contextSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print the session summary",
	RunE:  runContextSummary,
}

var contextSetSummaryCmd = &cobra.Command{
	Use:   "set-summary [text]",
	Short: "Overwrite the session summary",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runContextSetSummary,
}

var contextHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent turns",
	RunE:  runContextHistory,
}

var contextStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate session counters",
	RunE:  runContextStats,
}

var contextClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Reset the session's context",
	RunE:  runContextClear,
}

func init() {
	contextHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum turns to list")

	contextCmd.AddCommand(contextShowCmd)
	contextCmd.AddCommand(contextSummaryCmd)
	contextCmd.AddCommand(contextSetSummaryCmd)
	contextCmd.AddCommand(contextHistoryCmd)
	contextCmd.AddCommand(contextStatsCmd)
	contextCmd.AddCommand(contextClearCmd)

	rootCmd.AddCommand(contextCmd)
}

// sessionStore opens the selected conversation's store. No agent stack
// is needed for context inspection.
func sessionStore() *session.Store {
	return session.NewStore(cfg.Context.Root, conversation)
}

func runContextShow(cmd *cobra.Command, args []string) error {
	store := sessionStore()

	sum, err := store.Summary()
	if err != nil {
		return fmt.Errorf("failed to read summary: %w", err)
	}
	stats, err := store.Stats()
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}

	fmt.Printf("🗂 Session %s\n", store.ID())
	fmt.Println(strings.Repeat("─", 50))
	if sum.Summary != "" {
		fmt.Println(sum.Summary)
	} else {
		fmt.Println("(no context recorded)")
	}
	fmt.Println(strings.Repeat("─", 50))
	fmt.Printf("Turns: %d  Succeeded: %d  Artifacts: %d\n", stats.Entries, stats.Successes, stats.Artifacts)
	if stats.LatestModel != "" {
		fmt.Printf("Latest model: %s\n", stats.LatestModel)
	}

	entries, err := store.History(10)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if len(entries) > 0 {
		fmt.Println("\nRecent turns:")
		printEntries(entries)
	}
	return nil
}

func runContextSummary(cmd *cobra.Command, args []string) error {
	sum, err := sessionStore().Summary()
	if err != nil {
		return fmt.Errorf("failed to read summary: %w", err)
	}
	if sum.Summary == "" {
		fmt.Println("(no summary yet)")
		return nil
	}
	fmt.Println(sum.Summary)
	return nil
}

func runContextSetSummary(cmd *cobra.Command, args []string) error {
	text := joinArgs(args)
	store := sessionStore()
	if err := store.SetSummary(text); err != nil {
		return fmt.Errorf("failed to set summary: %w", err)
	}
	fmt.Printf("✅ Summary updated for session %s\n", store.ID())
	return nil
}

func runContextHistory(cmd *cobra.Command, args []string) error {
	entries, err := sessionStore().History(historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No turns recorded.")
		return nil
	}
	printEntries(entries)
	fmt.Printf("Total: %d turns\n", len(entries))
	return nil
}

func runContextStats(cmd *cobra.Command, args []string) error {
	stats, err := sessionStore().Stats()
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}
	fmt.Printf("Turns:        %d\n", stats.Entries)
	fmt.Printf("Succeeded:    %d\n", stats.Successes)
	fmt.Printf("Failed:       %d\n", stats.Failures)
	fmt.Printf("Success rate: %.0f%%\n", stats.SuccessRate*100)
	fmt.Printf("Artifacts:    %d\n", stats.Artifacts)
	if stats.LatestModel != "" {
		fmt.Printf("Latest model: %s\n", stats.LatestModel)
	}
	return nil
}

func runContextClear(cmd *cobra.Command, args []string) error {
	store := sessionStore()
	if err := store.Clear(); err != nil {
		return fmt.Errorf("failed to clear context: %w", err)
	}
	fmt.Printf("✅ Context cleared for session %s\n", store.ID())
	return nil
}

func printEntries(entries []session.Entry) {
	for _, e := range entries {
		marker := "✓"
		if !e.Success {
			marker = "✗"
		}
		fmt.Printf("  %s %s  %s\n", marker, e.Timestamp.Format("2006-01-02 15:04"), e.UserInput)
	}
}
