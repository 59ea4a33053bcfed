package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/lbforge/lbforge/internal/cases"
	"github.com/lbforge/lbforge/internal/replicate"
	"github.com/lbforge/lbforge/internal/runner"
	"github.com/lbforge/lbforge/internal/sandbox"
	"github.com/lbforge/lbforge/internal/security"
	"github.com/lbforge/lbforge/internal/storage"
)

// CasesResponse is the JSON response for GET /v1/cases.
type CasesResponse struct {
	Cases []cases.Case `json:"cases"`
}

func (g *Gateway) handleListCases(c *okapi.Context) error {
	list, err := g.store.List()
	if err != nil {
		g.logger.Error("case listing failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing cases failed")
	}
	if list == nil {
		list = []cases.Case{}
	}
	return c.OK(CasesResponse{Cases: list})
}

// ConfigResponse is the JSON response for the config endpoints.
type ConfigResponse struct {
	CasePath string `json:"case_path"`
	Content  string `json:"content"`
}

func (g *Gateway) handleGetConfig(c *okapi.Context) error {
	casePath := c.Request().URL.Query().Get("case_path")
	if casePath == "" {
		return c.AbortBadRequest("case_path is required")
	}

	content, err := g.store.ReadConfig(casePath)
	if err != nil {
		return g.domainError(c, "config.read", casePath, err)
	}
	return c.OK(ConfigResponse{CasePath: casePath, Content: content})
}

// ConfigRequest is the JSON body for POST /v1/config.
type ConfigRequest struct {
	CasePath string `json:"case_path"`
	Content  string `json:"content"`
}

func (g *Gateway) handleWriteConfig(c *okapi.Context) error {
	var req ConfigRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.CasePath == "" {
		return c.AbortBadRequest("case_path is required")
	}

	if err := g.store.WriteConfig(req.CasePath, req.Content); err != nil {
		return g.domainError(c, "config.write", req.CasePath, err)
	}

	g.auditEvent(c.Context(), security.AuditEvent{
		Action:   "config.write",
		Identity: clientIP(c.Request()),
		Target:   req.CasePath,
		Result:   security.ResultAllowed,
	})
	return c.OK(ConfigResponse{CasePath: req.CasePath, Content: req.Content})
}

func (g *Gateway) handleDelete(c *okapi.Context) error {
	casePath := c.Request().URL.Query().Get("case_path")
	if casePath == "" {
		return c.AbortBadRequest("case_path is required")
	}

	if err := g.store.Delete(casePath); err != nil {
		return g.domainError(c, "case.delete", casePath, err)
	}

	g.auditEvent(c.Context(), security.AuditEvent{
		Action:   "case.delete",
		Identity: clientIP(c.Request()),
		Target:   casePath,
		Result:   security.ResultAllowed,
	})
	return c.OK(map[string]string{"status": "deleted"})
}

// DuplicateRequest is the JSON body for POST /v1/cases/duplicate.
type DuplicateRequest struct {
	SourcePath string `json:"source_path"`
	NewName    string `json:"new_name"`
}

// DuplicateResponse is returned with HTTP 201 on success.
type DuplicateResponse struct {
	SourcePath string `json:"source_path"`
	NewPath    string `json:"new_path"`
}

func (g *Gateway) handleDuplicate(c *okapi.Context) error {
	var req DuplicateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.SourcePath == "" {
		return c.AbortBadRequest("source_path is required")
	}
	if err := sandbox.ValidateCaseName(req.NewName); err != nil {
		return c.AbortBadRequest(err.Error())
	}

	src, dst, err := g.resolveDuplicate(req.SourcePath, req.NewName)
	if err != nil {
		return g.domainError(c, "case.duplicate", req.SourcePath, err)
	}

	if err := g.replicator.Duplicate(src, dst); err != nil {
		g.config.Metrics.RecordReplication("failed")
		return g.domainError(c, "case.duplicate", req.SourcePath, err)
	}

	g.config.Metrics.RecordReplication("ok")
	g.auditEvent(c.Context(), security.AuditEvent{
		Action:   "case.duplicate",
		Identity: clientIP(c.Request()),
		Target:   req.SourcePath,
		Result:   security.ResultAllowed,
		Detail:   "new name " + req.NewName,
	})

	rel, relErr := filepath.Rel(g.sb.Root(), dst)
	if relErr != nil {
		rel = req.NewName
	}
	return c.JSON(http.StatusCreated, DuplicateResponse{
		SourcePath: req.SourcePath,
		NewPath:    filepath.ToSlash(rel),
	})
}

// resolveDuplicate resolves both ends of a duplication through the
// sandbox. The source is resolved as a mutation target, so the cases
// root itself is never a valid source. The copy lands next to the
// source, re-checked through the sandbox so the validated name cannot
// still resolve somewhere unexpected.
func (g *Gateway) resolveDuplicate(sourcePath, newName string) (src, dst string, err error) {
	src, err = g.store.ResolveCase(sourcePath, sandbox.OpMutate)
	if err != nil {
		return "", "", err
	}
	dst, err = g.sb.Resolve(filepath.Join(filepath.Dir(src), newName), sandbox.OpMutate)
	if err != nil {
		return "", "", err
	}
	return src, dst, nil
}

// CommandRequest is the JSON body for POST /v1/build and POST /v1/run.
type CommandRequest struct {
	CasePath string `json:"case_path"`
}

// ExecutionResponse is the JSON response for the execution endpoints.
type ExecutionResponse struct {
	ID         string `json:"id,omitempty"`
	Kind       string `json:"kind"`
	Status     string `json:"status"` // completed | failed | timeout | truncated
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output"`
	Truncated  bool   `json:"truncated"`
	DurationMS int64  `json:"duration_ms"`
}

func (g *Gateway) handleBuild(c *okapi.Context) error {
	return g.execute(c, storage.KindBuild, []string{"make"}, g.config.BuildTimeout)
}

func (g *Gateway) handleRun(c *okapi.Context) error {
	return g.execute(c, storage.KindRun, []string{"make", "run"}, g.config.RunTimeout)
}

// execute resolves the case, takes the single execution slot, and runs
// the command to completion.
func (g *Gateway) execute(c *okapi.Context, kind string, command []string, timeout time.Duration) error {
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.CasePath == "" {
		return c.AbortBadRequest("case_path is required")
	}

	dir, err := g.store.ResolveCase(req.CasePath, sandbox.OpMutate)
	if err != nil {
		return g.domainError(c, "command."+kind, req.CasePath, err)
	}

	release, err := g.guard.Acquire()
	if err != nil {
		return g.domainError(c, "command."+kind, req.CasePath, err)
	}
	defer release()

	identity := clientIP(c.Request())
	g.logger.Info("command starting",
		slog.String("kind", kind),
		slog.String("case", req.CasePath),
		slog.String("identity", identity),
	)

	start := time.Now()
	result, runErr := runDetached(c.Context(), g.guard, runner.Spec{
		Command: command,
		Dir:     dir,
		Timeout: timeout,
	})
	resp, status := executionOutcome(kind, result, runErr)
	if resp == nil {
		g.logger.Error("command failed to start",
			slog.String("kind", kind),
			slog.String("case", req.CasePath),
		)
		g.auditEvent(c.Context(), security.AuditEvent{
			Action:   "command." + kind,
			Identity: identity,
			Target:   req.CasePath,
			Result:   security.ResultError,
		})
		return c.AbortInternalServerError("command failed to start")
	}
	if resp.DurationMS == 0 {
		resp.DurationMS = time.Since(start).Milliseconds()
	}

	g.config.Metrics.RecordExecution(kind, status, time.Since(start).Seconds())
	g.auditEvent(c.Context(), security.AuditEvent{
		Action:   "command." + kind,
		Identity: identity,
		Target:   req.CasePath,
		Result:   security.ResultAllowed,
		Detail:   status,
	})

	if g.history != nil {
		id, histErr := g.history.RecordExecution(c.Context(), storage.Execution{
			CasePath:  req.CasePath,
			Kind:      kind,
			Status:    status,
			ExitCode:  resp.ExitCode,
			Duration:  time.Duration(resp.DurationMS) * time.Millisecond,
			Truncated: resp.Truncated,
			StartedAt: start,
		})
		if histErr != nil {
			g.logger.Error("recording execution failed", slog.String("error", histErr.Error()))
		} else {
			resp.ID = id
		}
	}

	return c.OK(resp)
}

// runDetached executes the command stripped of the caller's
// cancellation. A client that disconnects mid-build must not abort it;
// only the timeout and the output ceiling terminate an execution early.
func runDetached(ctx context.Context, guard *runner.Guard, spec runner.Spec) (*runner.Result, error) {
	return guard.Run(context.WithoutCancel(ctx), spec)
}

// executionOutcome converts a runner result or error into the wire
// response. Timeouts and output overflows are reported as outcomes, not
// HTTP errors; a nil response means the command never started.
func executionOutcome(kind string, result *runner.Result, runErr error) (*ExecutionResponse, string) {
	switch {
	case runErr == nil:
		status := storage.StatusCompleted
		if result.ExitCode != 0 {
			status = storage.StatusFailed
		}
		return &ExecutionResponse{
			Kind:       kind,
			Status:     status,
			ExitCode:   result.ExitCode,
			Output:     result.Output,
			Truncated:  result.Truncated,
			DurationMS: result.Duration.Milliseconds(),
		}, status
	default:
		var timeoutErr *runner.TimeoutError
		if errors.As(runErr, &timeoutErr) {
			return &ExecutionResponse{
				Kind:      kind,
				Status:    storage.StatusTimeout,
				ExitCode:  -1,
				Output:    timeoutErr.Output,
				Truncated: true,
			}, storage.StatusTimeout
		}
		var limitErr *runner.OutputLimitError
		if errors.As(runErr, &limitErr) {
			return &ExecutionResponse{
				Kind:      kind,
				Status:    storage.StatusTruncated,
				ExitCode:  -1,
				Output:    limitErr.Output,
				Truncated: true,
			}, storage.StatusTruncated
		}
		return nil, ""
	}
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	q := c.Request().URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	execs, err := g.history.RecentExecutions(c.Context(), q.Get("case_path"), limit)
	if err != nil {
		g.logger.Error("history query failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("history query failed")
	}
	if execs == nil {
		execs = []storage.Execution{}
	}
	return c.OK(execs)
}

// errorStatus maps a domain error to the HTTP status code and
// client-safe message it is reported with. Forbidden and unknown errors
// stay generic so probing requests learn nothing about the filesystem.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, sandbox.ErrAccessDenied):
		return http.StatusForbidden, "access denied"
	case errors.Is(err, sandbox.ErrInvalidCharacters),
		errors.Is(err, sandbox.ErrInvalidName),
		errors.Is(err, sandbox.ErrReservedName),
		errors.Is(err, cases.ErrForbiddenMarkup):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, cases.ErrNotFound):
		return http.StatusNotFound, "case not found"
	case errors.Is(err, cases.ErrConfigTooBig):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, replicate.ErrAlreadyExists),
		errors.Is(err, runner.ErrBusy):
		return http.StatusConflict, err.Error()
	}
	var quotaErr *replicate.QuotaError
	if errors.As(err, &quotaErr) {
		return http.StatusRequestEntityTooLarge, quotaErr.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

// domainError maps domain errors to HTTP responses, auditing sandbox
// denials.
func (g *Gateway) domainError(c *okapi.Context, action, target string, err error) error {
	if errors.Is(err, sandbox.ErrAccessDenied) {
		g.config.Metrics.RecordSandboxDenial(action)
		g.auditEvent(context.WithoutCancel(c.Context()), security.AuditEvent{
			Action:   "sandbox.deny",
			Identity: clientIP(c.Request()),
			Target:   target,
			Result:   security.ResultDenied,
			Detail:   action,
		})
	}

	code, msg := errorStatus(err)
	switch code {
	case http.StatusBadRequest:
		return c.AbortBadRequest(msg)
	case http.StatusInternalServerError:
		g.logger.Error("request failed",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError(msg)
	default:
		return c.JSON(code, ErrorBody{Error: msg})
	}
}
