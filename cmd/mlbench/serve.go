package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	mcpgw "github.com/jkaninda/mlbench/internal/gateway/mcp"
)

var servePromptOnly bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the environment as MCP tools over stdio",
	Long: `Start a run and serve its actions as Model Context Protocol tools on
stdin/stdout, so an external agent drives the environment. Every tool call is
executed and recorded exactly like a built-in agent's action. The run ends
when the client disconnects, the time budget expires or an action fails
fatally. The operator log goes to stderr.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&servePromptOnly, "prompt-only", false, "expose only the actions selected for the prompt")
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	var names []string
	if servePromptOnly {
		names = rc.PromptActions
	}
	srv := mcpgw.NewServer(rc.Env, names, version, logger)

	// The whole session runs under the time budget.
	runCtx, cancelRun := context.WithTimeout(ctx, cfg.MaxTime()-rc.Env.Elapsed())
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)
	serveCtx, cancelServe := context.WithCancel(gctx)
	defer cancelServe()

	g.Go(func() error {
		defer cancelServe()
		return srv.ServeStdio(serveCtx, os.Stdin, os.Stdout)
	})
	g.Go(func() error {
		select {
		case err := <-srv.Fatal():
			return err
		case <-serveCtx.Done():
			return nil
		}
	})
	rc.serveInspect(serveCtx, g)
	stopCheckpoints := rc.startCheckpoints(serveCtx)

	runErr := g.Wait()
	stopCheckpoints()

	logger.Info("mcp session ended", slog.Bool("final", rc.Env.IsFinal()))
	if err := rc.Finish(runErr); err != nil {
		logger.Error("writing run epilogue", slog.String("error", err.Error()))
	}
	return runErr
}
