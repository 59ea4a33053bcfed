// Package httpapi implements the HTTP API gateway for lbforge.
//
// Security:
//   - Every client-supplied path goes through the sandbox before use
//   - Request body size limits (default 1 MB)
//   - Per-IP rate limiting, mutating and read requests budgeted separately
//   - Strict security headers and a CORS allowlist for the browser frontend
//   - Denials and mutations recorded in the audit trail
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/lbforge/lbforge/internal/cases"
	"github.com/lbforge/lbforge/internal/observability"
	"github.com/lbforge/lbforge/internal/ratelimit"
	"github.com/lbforge/lbforge/internal/replicate"
	"github.com/lbforge/lbforge/internal/runner"
	"github.com/lbforge/lbforge/internal/sandbox"
	"github.com/lbforge/lbforge/internal/security"
	"github.com/lbforge/lbforge/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., "127.0.0.1:8080"
	EnableDocs     bool
	AllowedOrigins []string // CORS allowlist for the browser frontend.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.

	BuildTimeout time.Duration // Timeout for POST /v1/build. 0 = runner default.
	RunTimeout   time.Duration // Timeout for POST /v1/run. 0 = runner default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config     Config
	sb         *sandbox.Sandbox
	store      *cases.Store
	guard      *runner.Guard
	replicator *replicate.Replicator
	readLim    *ratelimit.Limiter
	mutateLim  *ratelimit.Limiter
	history    *storage.Store        // nil = history endpoint disabled.
	audit      *security.AuditLogger // nil = audit trail disabled.
	logger     *slog.Logger
	server     *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket log endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, sb *sandbox.Sandbox, store *cases.Store, guard *runner.Guard, repl *replicate.Replicator, readLim, mutateLim *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:     cfg,
		sb:         sb,
		store:      store,
		guard:      guard,
		replicator: repl,
		readLim:    readLim,
		mutateLim:  mutateLim,
		logger:     logger,
		okapi:      okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithHistory attaches the execution history store to the gateway.
func (g *Gateway) WithHistory(store *storage.Store) *Gateway {
	g.history = store
	return g
}

// WithAudit attaches the audit trail to the gateway.
func (g *Gateway) WithAudit(audit *security.AuditLogger) *Gateway {
	g.audit = audit
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Useful for adding the WebSocket log endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "lbforge",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Security headers, CORS, and body caps wrap everything, including
	// the observability endpoints.
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return securityHeaders(next)
	})
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return corsHandler(g.config.AllowedOrigins, next)
	})
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return bodyLimit(g.maxRequestSize(), next)
	})

	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Rate limiting wraps the /v1 routes only.
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return g.rateLimit(next)
	})

	g.group = g.okapi.Group("/v1")

	g.group.Get("/cases", g.handleListCases,
		okapi.DocSummary("List simulation cases grouped by domain"),
		okapi.DocTags("Cases"),
		okapi.DocResponse(CasesResponse{}),
	)
	g.group.Post("/cases/duplicate", g.handleDuplicate,
		okapi.DocSummary("Duplicate a case under a new name"),
		okapi.DocTags("Cases"),
		okapi.DocRequestBody(DuplicateRequest{}),
		okapi.DocResponse(http.StatusCreated, DuplicateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Delete("/cases", g.handleDelete,
		okapi.DocSummary("Delete a case directory"),
		okapi.DocTags("Cases"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
	)
	g.group.Get("/config", g.handleGetConfig,
		okapi.DocSummary("Read a case's configuration document"),
		okapi.DocTags("Config"),
		okapi.DocResponse(ConfigResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/config", g.handleWriteConfig,
		okapi.DocSummary("Replace a case's configuration document"),
		okapi.DocTags("Config"),
		okapi.DocRequestBody(ConfigRequest{}),
		okapi.DocResponse(ConfigResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
	)
	g.group.Post("/build", g.handleBuild,
		okapi.DocSummary("Compile a case with make"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(CommandRequest{}),
		okapi.DocResponse(ExecutionResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/run", g.handleRun,
		okapi.DocSummary("Run a compiled case with make run"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(CommandRequest{}),
		okapi.DocResponse(ExecutionResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	if g.history != nil {
		g.group.Get("/history", g.handleHistory,
			okapi.DocSummary("List recent build and run executions"),
			okapi.DocTags("Execution"),
			okapi.DocResponse([]storage.Execution{}),
		)
	}

	// Extra handlers (e.g., WebSocket log endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (never rate limited).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      15 * time.Minute, // run output can take a while
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) maxRequestSize() int64 {
	if g.config.MaxRequestSize > 0 {
		return g.config.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// HealthResponse is the JSON response for the probe endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
