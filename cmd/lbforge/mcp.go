package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/lbforge/lbforge/internal/cases"
	"github.com/lbforge/lbforge/internal/config"
	mcpserver "github.com/lbforge/lbforge/internal/gateway/mcp"
	"github.com/lbforge/lbforge/internal/ratelimit"
	"github.com/lbforge/lbforge/internal/runner"
	"github.com/lbforge/lbforge/internal/sandbox"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve case tools over MCP stdio",
	Long: `Expose case browsing, configuration editing, and build/run tools
to MCP clients over stdin/stdout. Logs go to stderr so stdout stays
a clean protocol channel.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runMCP(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("LBFORGE_CONFIG", mcpConfigPath))
	if err != nil {
		return err
	}

	sb, err := sandbox.New(cfg.ResolvedCasesDir(), logger)
	if err != nil {
		return fmt.Errorf("initializing sandbox: %w", err)
	}

	store := cases.NewStore(sb, cases.Config{MaxConfigBytes: cfg.Limits.ConfigBytes()}, logger)
	guard := runner.NewGuard(runner.Config{
		DefaultTimeout: cfg.Build.RunTimeout(),
		OutputCeiling:  cfg.Build.OutputCeilingBytes,
		TailBytes:      cfg.Build.TailBytes,
		EnvPrefix:      cfg.Build.Prefix(),
	}, logger)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Limits.MutatingLimit(),
		MaxIdentities:     cfg.Limits.MaxIdentities,
	}, logger)

	server := mcpserver.NewServer(mcpserver.Config{
		Version:      version,
		BuildTimeout: cfg.Build.BuildTimeout(),
		RunTimeout:   cfg.Build.RunTimeout(),
	}, store, guard, logger).WithLimiter(limiter)

	return server.ServeStdio()
}
