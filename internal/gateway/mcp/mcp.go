// Package mcp exposes case browsing and execution as MCP (Model Context
// Protocol) tools over stdio, so editor assistants can inspect and run
// simulation cases. Every tool goes through the same sandbox and
// execution guard as the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lbforge/lbforge/internal/cases"
	"github.com/lbforge/lbforge/internal/ratelimit"
	"github.com/lbforge/lbforge/internal/runner"
	"github.com/lbforge/lbforge/internal/sandbox"
	"github.com/lbforge/lbforge/internal/storage"
)

// Config configures the MCP server.
type Config struct {
	Version      string
	BuildTimeout time.Duration
	RunTimeout   time.Duration
}

// Server serves lbforge tools over MCP stdio.
type Server struct {
	cfg     Config
	store   *cases.Store
	guard   *runner.Guard
	limiter *ratelimit.Limiter // nil = no throttling
	logger  *slog.Logger

	mcp *server.MCPServer
}

// NewServer creates an MCP server wired to the case store and execution guard.
func NewServer(cfg Config, store *cases.Store, guard *runner.Guard, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		guard:  guard,
		logger: logger,
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	s.mcp = server.NewMCPServer("lbforge", version)

	s.mcp.AddTool(mcp.NewTool("list_cases",
		mcp.WithDescription("List all simulation cases grouped by domain"),
	), s.handleListCases)

	s.mcp.AddTool(mcp.NewTool("read_config",
		mcp.WithDescription("Read a case's config.xml"),
		mcp.WithString("case_path", mcp.Required(), mcp.Description("Case path relative to the cases directory, e.g. laminar/cavity2d")),
	), s.handleReadConfig)

	s.mcp.AddTool(mcp.NewTool("write_config",
		mcp.WithDescription("Replace a case's config.xml"),
		mcp.WithString("case_path", mcp.Required(), mcp.Description("Case path relative to the cases directory")),
		mcp.WithString("content", mcp.Required(), mcp.Description("New XML document content")),
	), s.handleWriteConfig)

	s.mcp.AddTool(mcp.NewTool("build_case",
		mcp.WithDescription("Compile a case with make and return the output"),
		mcp.WithString("case_path", mcp.Required(), mcp.Description("Case path relative to the cases directory")),
	), s.handleBuild)

	s.mcp.AddTool(mcp.NewTool("run_case",
		mcp.WithDescription("Run a compiled case with make run and return the output"),
		mcp.WithString("case_path", mcp.Required(), mcp.Description("Case path relative to the cases directory")),
	), s.handleRun)

	return s
}

// WithLimiter throttles build and run tool calls. MCP clients share one
// identity; the interesting budget is per-minute executions, not peers.
func (s *Server) WithLimiter(limiter *ratelimit.Limiter) *Server {
	s.limiter = limiter
	return s
}

// ServeStdio blocks serving MCP requests on stdin/stdout.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server starting on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleListCases(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.store.List()
	if err != nil {
		return mcp.NewToolResultError("listing cases failed: " + err.Error()), nil
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("encoding cases failed: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleReadConfig(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	casePath, ok := stringArg(request, "case_path")
	if !ok {
		return mcp.NewToolResultError("case_path is required"), nil
	}
	content, err := s.store.ReadConfig(casePath)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (s *Server) handleWriteConfig(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	casePath, ok := stringArg(request, "case_path")
	if !ok {
		return mcp.NewToolResultError("case_path is required"), nil
	}
	content, ok := stringArg(request, "content")
	if !ok {
		return mcp.NewToolResultError("content is required"), nil
	}
	if err := s.store.WriteConfig(casePath, content); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("configuration written"), nil
}

func (s *Server) handleBuild(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.execute(ctx, request, storage.KindBuild, []string{"make"}, s.cfg.BuildTimeout)
}

func (s *Server) handleRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.execute(ctx, request, storage.KindRun, []string{"make", "run"}, s.cfg.RunTimeout)
}

func (s *Server) execute(ctx context.Context, request mcp.CallToolRequest, kind string, command []string, timeout time.Duration) (*mcp.CallToolResult, error) {
	casePath, ok := stringArg(request, "case_path")
	if !ok {
		return mcp.NewToolResultError("case_path is required"), nil
	}

	if s.limiter != nil {
		if err := s.limiter.Allow("mcp"); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	dir, err := s.store.ResolveCase(casePath, sandbox.OpMutate)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	release, err := s.guard.Acquire()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	defer release()

	s.logger.Info("mcp command starting",
		slog.String("kind", kind),
		slog.String("case", casePath),
	)

	// Executions run to completion even if the tool caller goes away;
	// only the timeout and the output ceiling can cut them short.
	result, runErr := s.guard.Run(context.WithoutCancel(ctx), runner.Spec{
		Command: command,
		Dir:     dir,
		Timeout: timeout,
	})
	if runErr != nil {
		var timeoutErr *runner.TimeoutError
		var limitErr *runner.OutputLimitError
		switch {
		case errors.As(runErr, &timeoutErr):
			return mcp.NewToolResultText(fmt.Sprintf("%s\n\n%s", timeoutErr.Error(), timeoutErr.Output)), nil
		case errors.As(runErr, &limitErr):
			return mcp.NewToolResultText(fmt.Sprintf("%s\n\n%s", limitErr.Error(), limitErr.Output)), nil
		default:
			return mcp.NewToolResultError(runErr.Error()), nil
		}
	}

	header := fmt.Sprintf("exit code %d in %s", result.ExitCode, result.Duration.Round(time.Millisecond))
	if result.Truncated {
		header += " (output truncated)"
	}
	return mcp.NewToolResultText(header + "\n\n" + result.Output), nil
}

// stringArg extracts a string argument from a tool call request.
func stringArg(request mcp.CallToolRequest, key string) (string, bool) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return "", false
	}
	val, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := val.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
