package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/mlbench/internal/gateway/cli"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Drive the environment interactively",
	Long: `Start a run and read actions from the terminal, one JSON object per
line, for example:

  {"name": "List Files", "args": {"dir_path": "."}}

Type "actions" to list the prompt actions and "exit" to end the run.`,
	RunE: runShell,
}

func runShell(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc, err := initRun(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rc.Cleanup()

	runCtx, cancelRun := context.WithTimeout(ctx, cfg.MaxTime()-rc.Env.Elapsed())
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)
	bgCtx, stopBackground := context.WithCancel(gctx)
	rc.serveInspect(bgCtx, g)
	stopCheckpoints := rc.startCheckpoints(bgCtx)

	shell := cli.NewGateway(rc.Env, rc.PromptActions, os.Stdin, os.Stdout, logger)
	runErr := shell.Start(runCtx)

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
