// Package cli implements an interactive shell that lets an operator act as
// the agent: each line is one JSON action, executed and recorded like any
// other step.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jkaninda/mlbench/internal/action"
	"github.com/jkaninda/mlbench/internal/agent"
)

// Executor is the write side of an environment.
type Executor interface {
	Execute(ctx context.Context, a action.Action) (string, error)
	Registry() *action.Registry
	IsFinal() bool
}

// Gateway is the interactive command-line interface.
type Gateway struct {
	exec    Executor
	prompt  []string // action names listed by the "actions" command
	in      io.Reader
	out     io.Writer
	logger  *slog.Logger
	done    chan struct{} // closed by Stop to signal shutdown
	stopped bool
}

// NewGateway creates a shell reading from in and writing to out.
func NewGateway(exec Executor, promptActions []string, in io.Reader, out io.Writer, logger *slog.Logger) *Gateway {
	return &Gateway{
		exec:   exec,
		prompt: promptActions,
		in:     in,
		out:    out,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start runs the REPL. Blocks until ctx is cancelled, Stop is called, the
// input ends, the run becomes final, or the operator types "exit".
// A fatal execution error (timeout, transport failure) is returned.
func (g *Gateway) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(g.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	fmt.Fprintln(g.out, `mlbench interactive shell`)
	fmt.Fprintln(g.out, `Enter one action per line as {"name": "...", "args": {...}}.`)
	fmt.Fprintln(g.out, `Commands: "actions" lists available actions, "exit" quits.`)
	fmt.Fprintln(g.out)

	for {
		if g.exec.IsFinal() {
			fmt.Fprintln(g.out, "Run is final.")
			return nil
		}
		fmt.Fprint(g.out, "mlbench> ")

		// Check for context cancellation or Stop signal between prompts.
		select {
		case <-ctx.Done():
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		case <-g.done:
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		default:
		}

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(g.out, "Goodbye.")
			return nil
		case "actions":
			fmt.Fprint(g.out, agent.ToolsPrompt(g.prompt, g.exec.Registry()))
			continue
		}

		a, err := agent.ParseAction(line)
		if err != nil {
			fmt.Fprintf(g.out, "Invalid action: %v\n", err)
			continue
		}

		g.logger.DebugContext(ctx, "cli action", slog.String("action", a.Name))

		obs, err := g.exec.Execute(ctx, a)
		if err != nil {
			g.logger.ErrorContext(ctx, "action execution failed",
				slog.String("action", a.Name),
				slog.String("error", err.Error()),
			)
			return err
		}

		fmt.Fprintln(g.out)
		fmt.Fprintf(g.out, "Observation: %s\n", obs)
		fmt.Fprintln(g.out)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	if !g.stopped {
		g.stopped = true
		close(g.done)
	}
	return nil
}
