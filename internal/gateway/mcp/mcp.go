// Package mcp exposes the environment's actions as MCP (Model Context
// Protocol) tools, so an external agent can drive a run over stdio.
// Every tool call goes through Environment.Execute and is recorded in the
// trace exactly like a call from a built-in agent.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/mlbench/internal/action"
)

// Executor is the write side of an environment.
type Executor interface {
	Execute(ctx context.Context, a action.Action) (string, error)
	Registry() *action.Registry
	IsFinal() bool
}

// Server adapts an Executor into an MCP server.
type Server struct {
	exec   Executor
	srv    *server.MCPServer
	logger *slog.Logger
	tools  []string

	// Execute is sequential; MCP clients may pipeline calls.
	mu sync.Mutex

	fatalOnce sync.Once
	fatal     chan error
}

// NewServer registers one MCP tool per name. A nil names slice exposes every
// registered action. Unknown names are skipped with a warning.
func NewServer(exec Executor, names []string, version string, logger *slog.Logger) *Server {
	s := &Server{
		exec:   exec,
		logger: logger,
		fatal:  make(chan error, 1),
		srv: server.NewMCPServer("mlbench", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}

	reg := exec.Registry()
	if names == nil {
		names = reg.Names()
	}
	for _, name := range names {
		info, ok := reg.Lookup(name)
		if !ok {
			logger.Warn("mcp: skipping unknown action", slog.String("action", name))
			continue
		}
		s.srv.AddTool(toolFor(info), s.handler(info.Name))
		s.tools = append(s.tools, info.Name)
	}

	logger.Debug("mcp server initialized", slog.Int("tools", len(s.tools)))
	return s
}

// MCPServer returns the underlying server, for in-process clients.
func (s *Server) MCPServer() *server.MCPServer { return s.srv }

// Tools returns the exposed action names in registration order.
func (s *Server) Tools() []string { return append([]string(nil), s.tools...) }

// Fatal delivers the first error that ended the run (timeout or transport
// failure). The channel is never closed.
func (s *Server) Fatal() <-chan error { return s.fatal }

// ServeStdio serves MCP over the given streams until ctx is canceled or
// the input is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp server listening on stdio", slog.Int("tools", len(s.tools)))
	stdio := server.NewStdioServer(s.srv)
	if err := stdio.Listen(ctx, in, out); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a := action.Action{Name: name, Args: req.GetArguments()}

		s.mu.Lock()
		obs, err := s.exec.Execute(ctx, a)
		s.mu.Unlock()

		if err != nil {
			s.logger.ErrorContext(ctx, "mcp tool call ended the run",
				slog.String("action", name),
				slog.String("error", err.Error()),
			)
			s.fatalOnce.Do(func() { s.fatal <- err })
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(obs), nil
	}
}

// toolFor builds the MCP tool definition from an action's usage schema.
// All parameters are required strings.
func toolFor(info action.Info) mcp.Tool {
	desc := strings.TrimSpace(info.Description)
	if info.ReturnValue != "" {
		desc += "\n\nReturns: " + info.ReturnValue
	}
	opts := []mcp.ToolOption{mcp.WithDescription(desc)}
	for _, p := range info.Usage {
		opts = append(opts, mcp.WithString(p.Name, mcp.Required(), mcp.Description(p.Description)))
	}
	return mcp.NewTool(info.Name, opts...)
}
