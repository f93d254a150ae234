package main

import (
	"simforge/internal/bridge"

	"github.com/spf13/cobra"
)

// bridgeCmd serves the stdio protocol for a host process
var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Serve the stdio bridge for a host process",
	Long: `Reads line-delimited JSON requests on stdin and writes replies and
progress events on stdout. This is the endpoint desktop hosts spawn;
it refuses to run on a terminal.

Requests carry a "cmd" field (run, plan, exec, demo, doctor, the
context_* commands, config_save, model_preview, models_list,
conversation_delete). Progress events are marked with "_event": true.`,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
}

func runBridge(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	br := bridge.New(bridge.Deps{
		Orchestrator: a.orch,
		Backend:      a.be,
		Events:       a.events,
		Config:       a.cfg,
		ConfigPath:   a.cfgPath,
		Rebuild:      a.orchestratorWith,
	})
	logger.Info("Bridge serving on stdio")
	return br.Run(ctx)
}
