package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/mlbench/internal/agent"
	"github.com/jkaninda/mlbench/internal/config"
)

var (
	runAgentType  string
	runReplayFile string
	runMaxSteps   int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an agent against the task environment",
	Long: `Run a built-in agent until it submits a final answer, the step budget
is used up or the time budget expires. The baseline agent executes the
training script once and submits; the replay agent issues the actions of a
JSONL file, one {"name": ..., "args": ...} object per line.

Examples:
  mlbench run --config task.yaml
  mlbench run --agent replay --replay-file actions.jsonl`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runAgentType, "agent", "", "override agent type (baseline, replay)")
	runCmd.Flags().StringVar(&runReplayFile, "replay-file", "", "JSONL action file for the replay agent")
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "override the step budget")
}

// runRun drives one environment run with a built-in agent.
func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if runReplayFile != "" {
		cfg.Agent.Type = "replay"
		cfg.Agent.ReplayFile = runReplayFile
	}
	if runAgentType != "" {
		cfg.Agent.Type = runAgentType
	}
	if runMaxSteps > 0 {
		cfg.MaxSteps = runMaxSteps
	}

	logger := newLogger(cfg.Logging)

	ag, err := newAgent(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc, err := initRun(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rc.Cleanup()

	g, gctx := errgroup.WithContext(ctx)
	bgCtx, stopBackground := context.WithCancel(gctx)
	rc.serveInspect(bgCtx, g)
	stopCheckpoints := rc.startCheckpoints(bgCtx)

	logger.Info("run started", slog.String("agent", cfg.Agent.Type))
	runErr := rc.Env.Run(ctx, ag)

	stopCheckpoints()
	stopBackground()
	if err := g.Wait(); err != nil {
		logger.Error("background service failed", slog.String("error", err.Error()))
	}

	if err := rc.Finish(runErr); err != nil {
		logger.Error("writing run epilogue", slog.String("error", err.Error()))
	}
	return runErr
}

// newAgent builds the configured built-in agent.
func newAgent(cfg *config.Config) (agent.Agent, error) {
	switch cfg.Agent.Type {
	case "replay":
		if cfg.Agent.ReplayFile == "" {
			return nil, fmt.Errorf("replay agent requires --replay-file or agent.replay_file")
		}
		return agent.LoadReplay(cfg.Agent.ReplayFile)
	case "baseline", "":
		return agent.NewBaseline(cfg.Agent.Script), nil
	default:
		return nil, fmt.Errorf("unknown agent type: %q (supported: baseline, replay)", cfg.Agent.Type)
	}
}
