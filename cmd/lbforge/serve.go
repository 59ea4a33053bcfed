package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/lbforge/lbforge/internal/cases"
	"github.com/lbforge/lbforge/internal/config"
	"github.com/lbforge/lbforge/internal/gateway"
	"github.com/lbforge/lbforge/internal/gateway/httpapi"
	"github.com/lbforge/lbforge/internal/gateway/ws"
	"github.com/lbforge/lbforge/internal/observability"
	"github.com/lbforge/lbforge/internal/ratelimit"
	"github.com/lbforge/lbforge/internal/replicate"
	"github.com/lbforge/lbforge/internal/runner"
	"github.com/lbforge/lbforge/internal/sandbox"
	"github.com/lbforge/lbforge/internal/scheduler"
	"github.com/lbforge/lbforge/internal/security"
	"github.com/lbforge/lbforge/internal/storage"
)

// historyRetention is how long execution records are kept before the
// nightly prune removes them.
const historyRetention = 90 * 24 * time.Hour

var (
	serveConfigPath string
	serveListenAddr string
	serveDocs       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `lbforge --config path` and `lbforge serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override listen address (e.g. 127.0.0.1:9000)")
		cmd.Flags().BoolVar(&serveDocs, "docs", false, "serve OpenAPI documentation")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("LBFORGE_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveListenAddr != "" {
		cfg.ListenAddr = serveListenAddr
	}

	logger.Info("starting lbforge",
		slog.String("cases_dir", cfg.ResolvedCasesDir()),
		slog.String("addr", cfg.Addr()),
	)

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
	replicator := replicate.New(replicate.Config{
		MaxFiles: cfg.Duplicate.MaxFiles,
		MaxBytes: cfg.Duplicate.MaxBytes,
	}, logger)

	readLim := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Limits.ReadLimit(),
		MaxIdentities:     cfg.Limits.MaxIdentities,
	}, logger)
	mutateLim := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Limits.MutatingLimit(),
		MaxIdentities:     cfg.Limits.MaxIdentities,
	}, logger)

	history, err := storage.Open(storageConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("opening execution history: %w", err)
	}
	defer history.Close()

	audit, err := security.NewAuditLogger(cfg.AuditLogPath(), logger)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer audit.Close()

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}
	registerHealthChecks(cfg, obs, history)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cancelSched, err := startMaintenance(ctx, readLim, mutateLim, history, logger)
	if err != nil {
		return err
	}
	defer cancelSched()

	wsServer := ws.NewServer(guard, logger)

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Addr(),
		EnableDocs:     serveDocs,
		AllowedOrigins: cfg.Origins(),
		MaxRequestSize: cfg.Limits.RequestBytes(),
		BuildTimeout:   cfg.Build.BuildTimeout(),
		RunTimeout:     cfg.Build.RunTimeout(),
	}
	if obs != nil {
		gwCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			gwCfg.Metrics = obs.Metrics
			gwCfg.MetricsRegistry = obs.Metrics.Registry
			if cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
	}

	var gw gateway.Gateway = httpapi.NewGateway(gwCfg, sb, store, guard, replicator, readLim, mutateLim, logger).
		WithHistory(history).
		WithAudit(audit).
		WithHandler("/ws/logs", wsServer.Handler())

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	if obs != nil {
		obs.Shutdown(shutdownCtx)
	}
	return nil
}

// storageConfig maps the file configuration to the storage backend settings.
func storageConfig(cfg *config.Config) storage.Config {
	sc := storage.Config{
		Driver: cfg.StorageDriverName(),
		Path:   cfg.DatabasePath(),
	}
	if cfg.Storage != nil {
		if cfg.Storage.SQLite != nil {
			sc.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		if pg := cfg.Storage.Postgres; pg != nil {
			sc.DSN = pg.DSN
			sc.MaxOpenConns = pg.MaxOpenConns
			sc.MaxIdleConns = pg.MaxIdleConns
			sc.ConnMaxLifetime = time.Duration(pg.ConnMaxLifetimeS) * time.Second
		}
	}
	return sc
}

// registerHealthChecks adds readiness checks for the cases directory and
// the history database.
func registerHealthChecks(cfg *config.Config, obs *observability.Observability, history *storage.Store) {
	if obs == nil || obs.Health == nil {
		return
	}
	health := cfg.Observability.Health
	if health == nil || health.IncludeCasesDir {
		obs.Health.Add(observability.CasesDirCheck(cfg.ResolvedCasesDir()))
	}
	if health == nil || health.IncludeDB {
		obs.Health.Add(observability.PingCheck("database", history.Ping))
	}
}

// startMaintenance launches the recurring housekeeping jobs.
func startMaintenance(ctx context.Context, readLim, mutateLim *ratelimit.Limiter, history *storage.Store, logger *slog.Logger) (func(), error) {
	sched := scheduler.New(0, logger)

	err := sched.Add("ratelimit_sweep", "* * * * *", func(_ context.Context) {
		readLim.Sweep()
		mutateLim.Sweep()
	})
	if err != nil {
		return nil, err
	}

	err = sched.Add("history_prune", "0 3 * * *", func(ctx context.Context) {
		pruned, err := history.PruneExecutions(ctx, time.Now().Add(-historyRetention))
		if err != nil {
			logger.Error("history prune failed", slog.String("error", err.Error()))
			return
		}
		if pruned > 0 {
			logger.Info("pruned execution history", slog.Int64("rows", pruned))
		}
	})
	if err != nil {
		return nil, err
	}

	return sched.Start(ctx), nil
}
