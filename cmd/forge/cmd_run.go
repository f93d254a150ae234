// Package main implements the modeling commands: run, plan, exec, demo.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"simforge/internal/bus"
	"simforge/internal/executor"
	"simforge/internal/orchestrator"
	"simforge/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runOutput    string
	runDirect    bool
	runNoContext bool

	planOutput string

	execOutput   string
	execCodeOnly bool
)

// runCmd processes a single request end to end
var runCmd = &cobra.Command{
	Use:   "run [request]",
	Short: "Build a model from a natural language request",
	Long: `Processes a request through the full pipeline:
  1. Route: classify the request (question vs modeling task)
  2. Plan: decompose it into geometry, material, physics, mesh, study steps
  3. Validate: check the plan against the Datalog rule kernel
  4. Execute: run each step against the backend, observing results

Example:
  forge run "build a 100x50 mm steel plate and mesh it"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRequest,
}

// planCmd plans without executing
var planCmd = &cobra.Command{
	Use:   "plan [request]",
	Short: "Plan a request without executing it",
	Long: `Decomposes a request into an execution plan and prints it as JSON
without touching the backend. Use -o to save the plan for 'forge exec'.

Example:
  forge plan "thermal analysis of an aluminum heatsink" -o plan.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: planRequest,
}

// execCmd executes a saved plan
var execCmd = &cobra.Command{
	Use:   "exec [plan.json]",
	Short: "Execute a saved plan",
	Long: `Loads a plan produced by 'forge plan' and executes it step by step.
--code-only lists the plan's steps without touching the backend.`,
	Args: cobra.ExactArgs(1),
	RunE: execPlan,
}

// demoCmd builds a canned model
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Build a demo model without planning calls",
	Long: `Builds a 100x50 mm steel plate through the execution pipeline with a
built-in plan. Useful to verify backend wiring before configuring an
LLM provider.`,
	RunE: runDemo,
}

func init() {
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Artifact destination (.mph file or directory)")
	runCmd.Flags().BoolVar(&runDirect, "direct", false, "Skip decomposition; let the controller plan its own steps")
	runCmd.Flags().BoolVar(&runNoContext, "no-context", false, "Leave session history out of prompts")

	planCmd.Flags().StringVarP(&planOutput, "output", "o", "", "Write the plan JSON to a file instead of stdout")

	execCmd.Flags().StringVarP(&execOutput, "output", "o", "", "Artifact destination (.mph file or directory)")
	execCmd.Flags().BoolVar(&execCodeOnly, "code-only", false, "List the plan's steps without executing")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(demoCmd)
}

// runRequest handles one full modeling turn
func runRequest(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	printProgress(a.events)

	input := joinArgs(args)
	logger.Info("Processing request", zap.String("input", input))

	res := a.orch.HandleTurn(ctx, input, orchestrator.TurnOptions{
		Session:   conversation,
		Output:    runOutput,
		Direct:    runDirect,
		NoContext: runNoContext,
	})
	return printReply(res)
}

// planRequest plans a request and prints or saves the plan JSON
func planRequest(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	input := joinArgs(args)
	logger.Info("Planning request", zap.String("input", input))

	task, err := a.orch.PlanOnly(ctx, input, orchestrator.TurnOptions{Session: conversation})
	if err != nil {
		return fmt.Errorf("planning failed: %w", err)
	}

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}

	if planOutput == "" {
		fmt.Println(string(data))
		return nil
	}
	if dir := filepath.Dir(planOutput); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create plan directory: %w", err)
		}
	}
	if err := os.WriteFile(planOutput, data, 0644); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	fmt.Printf("✅ Plan with %d steps written to %s\n", len(task.Steps), planOutput)
	return nil
}

// execPlan loads and executes a saved plan
func execPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read plan: %w", err)
	}
	var task types.TaskPlan
	if err := json.Unmarshal(data, &task); err != nil {
		return fmt.Errorf("failed to parse plan: %w", err)
	}

	if execCodeOnly {
		if len(task.Steps) == 0 {
			executor.ExpandSteps(&task)
		}
		fmt.Printf("Plan %s\n", args[0])
		fmt.Println(strings.Repeat("─", 50))
		for i, step := range task.Steps {
			fmt.Printf("  %d. %s (%s)\n", i+1, step.Action, step.Type)
		}
		fmt.Println(strings.Repeat("─", 50))
		fmt.Printf("Total: %d steps, nothing executed\n", len(task.Steps))
		return nil
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	printProgress(a.events)

	logger.Info("Executing plan", zap.String("path", args[0]), zap.Int("steps", len(task.Steps)))

	res := a.orch.ExecutePlan(ctx, &task, orchestrator.TurnOptions{
		Session: conversation,
		Output:  execOutput,
	})
	return printReply(res)
}

// runDemo executes the built-in steel plate plan
func runDemo(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	printProgress(a.events)

	res := a.orch.Demo(ctx, orchestrator.TurnOptions{Session: conversation})
	return printReply(res)
}

// printProgress mirrors pipeline events onto the terminal as they happen.
func printProgress(events *bus.Bus) {
	events.Subscribe(bus.EventPlanStart, func(e bus.Event) {
		fmt.Println("⚙ Planning...")
	})
	events.Subscribe(bus.EventActionStart, func(e bus.Event) {
		fmt.Printf("  ▸ %v\n", e.Data["action"])
	})
	events.Subscribe(bus.EventActionEnd, func(e bus.Event) {
		if e.Data["status"] == "error" {
			fmt.Printf("  ✗ %v failed\n", e.Data["action"])
		}
	})
	events.Subscribe(bus.EventError, func(e bus.Event) {
		fmt.Printf("  ✗ %v\n", e.Data["message"])
	})
	if verbose {
		events.Subscribe(bus.EventThinkChunk, func(e bus.Event) {
			fmt.Printf("  … %v\n", e.Data["text"])
		})
	}
}

func printReply(res orchestrator.Reply) error {
	if !res.OK {
		return fmt.Errorf("%s", res.Message)
	}
	fmt.Println(res.Message)
	if res.ModelPath != "" {
		fmt.Printf("📦 Model: %s\n", res.ModelPath)
	}
	return nil
}
