// mlbench runs machine-learning research tasks under a sandboxed action
// environment and records every step for evaluation.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mlbench",
	Short: "mlbench: sandboxed action environment for ML research agents.",
	Long: `mlbench gives a research agent a fixed set of actions over a task's
work directory: list, read and write files, run and edit scripts, undo edits,
submit a final answer. Every action is contained to the work directory,
checked against read-only patterns, bounded by step and time budgets, and
recorded in an append-only trace.`,
	RunE:          runRun, // Default to a baseline run.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML, TOML or JSON; or MLBENCH_CONFIG env)")
	rootCmd.AddCommand(runCmd, serveCmd, shellCmd, actionsCmd, traceCmd, runsCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
