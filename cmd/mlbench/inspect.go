package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/mlbench/internal/storage"
	"github.com/jkaninda/mlbench/internal/trace"
	"github.com/jkaninda/mlbench/internal/workspace"
)

var (
	traceJSON     bool
	traceLowLevel bool
	runsLimit     int
)

var traceCmd = &cobra.Command{
	Use:   "trace [trace.json]",
	Short: "Summarize a recorded trace",
	Long: `Print the steps of a trace dump. Without an argument the trace of the
configured log directory (env_log/trace.json) is read.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTrace,
}

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List stored runs, or the steps of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRuns,
}

func init() {
	traceCmd.Flags().BoolVar(&traceJSON, "json", false, "print the full trace as JSON")
	traceCmd.Flags().BoolVar(&traceLowLevel, "low-level", false, "list low-level steps instead of agent steps")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to list")
	runsCmd.Flags().BoolVar(&traceLowLevel, "low-level", false, "list low-level steps instead of agent steps")
}

func runTrace(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ws, err := workspace.New(cfg.LogDir)
		if err != nil {
			return err
		}
		path = ws.TracePath()
	}

	snap, err := trace.Load(path)
	if err != nil {
		return err
	}

	if traceJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Printf("run:   %s\ntask:  %s\nsteps: %d (low-level: %d)\n\n",
		snap.RunID, firstLine(snap.TaskDescription), len(snap.Steps), len(snap.LowLevelSteps))
	steps := snap.Steps
	if traceLowLevel {
		steps = snap.LowLevelSteps
	}
	return printSteps(os.Stdout, steps)
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	ws, err := workspace.New(cfg.LogDir)
	if err != nil {
		return err
	}
	store, err := initStore(cfg, ws, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	if len(args) == 1 {
		kind := trace.KindStep
		if traceLowLevel {
			kind = trace.KindLowLevel
		}
		steps, err := store.Traces().ListSteps(ctx, args[0], kind)
		if err != nil {
			return err
		}
		return printSteps(os.Stdout, steps)
	}

	runs, err := store.Traces().ListRuns(ctx, runsLimit)
	if err != nil {
		return err
	}
	return printRuns(os.Stdout, runs)
}

func printRuns(w io.Writer, runs []storage.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASK\tSTATUS\tSTARTED\tELAPSED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Task, r.Status, r.StartedAt.Format(time.RFC3339), r.Elapsed.Round(time.Second))
	}
	return tw.Flush()
}

func printSteps(w io.Writer, steps []trace.Step) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTIME\tACTION\tOBSERVATION")
	for i, s := range steps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			i, s.Timestamp.Format(time.TimeOnly), s.Action.Name, truncate(firstLine(s.Observation), 80))
	}
	return tw.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
