package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// checkTimeout bounds the whole readiness sweep. A hung database ping
// must not wedge the probe endpoint.
const checkTimeout = 3 * time.Second

// HealthCheck probes one dependency the service cannot serve without.
type HealthCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// CasesDirCheck probes that the case root exists and is a directory.
// When the mount disappears there is nothing to list, edit, or run.
func CasesDirCheck(dir string) HealthCheck {
	return HealthCheck{
		Name: "cases_dir",
		Probe: func(context.Context) error {
			info, err := os.Stat(dir)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}
			return nil
		},
	}
}

// PingCheck wraps a dependency's ping function, e.g. the execution
// history database.
func PingCheck(name string, ping func(ctx context.Context) error) HealthCheck {
	return HealthCheck{Name: name, Probe: ping}
}

// HealthChecker runs the registered dependency probes for the
// readiness endpoint.
type HealthChecker struct {
	checks []HealthCheck
	logger *slog.Logger
}

// NewHealthChecker creates a HealthChecker with no probes registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// Add registers dependency probes.
func (h *HealthChecker) Add(checks ...HealthCheck) {
	h.checks = append(h.checks, checks...)
}

// HealthStatus is the JSON body of the probe endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single dependency probe.
type CheckResult struct {
	Status    string `json:"status"` // "ok" or "fail"
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// CheckHealth is liveness. The process answering is the whole check.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered probe under a shared deadline. A
// single failure degrades the aggregate, but all probes still run so
// the response names every broken dependency at once.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	status := HealthStatus{Status: "ok"}
	if len(h.checks) == 0 {
		return status
	}

	probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	status.Checks = make(map[string]CheckResult, len(h.checks))
	for _, c := range h.checks {
		start := time.Now()
		err := c.Probe(probeCtx)
		result := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
		if err != nil {
			status.Status = "degraded"
			result.Status = "fail"
			result.Message = err.Error()
			if h.logger != nil {
				h.logger.Warn("readiness probe failed",
					slog.String("check", c.Name),
					slog.String("error", err.Error()),
				)
			}
		}
		status.Checks[c.Name] = result
	}
	return status
}
