package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lbforge/lbforge/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewMetricsCollector(t *testing.T) {
	m := NewMetricsCollector()

	m.HTTPRequestsTotal.WithLabelValues("GET", "/cases", "200").Inc()
	m.RecordExecution("build", "completed", 12.5)
	m.RecordSandboxDenial("mutate")
	m.RecordRateLimitReject("mutating")
	m.RecordReplication("ok")
	m.ActiveRequests.Inc()

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/cases", "200")); got != 1 {
		t.Errorf("http requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("build", "completed")); got != 1 {
		t.Errorf("executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SandboxDenialsTotal.WithLabelValues("mutate")); got != 1 {
		t.Errorf("sandbox denials = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveRequests); got != 1 {
		t.Errorf("active requests = %v, want 1", got)
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.RecordExecution("run", "timeout", 600)
	m.RecordSandboxDenial("inspect")
	m.RecordRateLimitReject("read")
	m.RecordReplication("quota")
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker(testLogger())

	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("no checks: status = %q, want ok", got.Status)
	}

	h.Add(
		CasesDirCheck(t.TempDir()),
		PingCheck("database", func(ctx context.Context) error { return errors.New("connection refused") }),
	)

	got := h.CheckReady(context.Background())
	if got.Status != "degraded" {
		t.Errorf("status = %q, want degraded", got.Status)
	}
	if got.Checks["cases_dir"].Status != "ok" {
		t.Errorf("cases_dir = %+v, want ok", got.Checks["cases_dir"])
	}
	if got.Checks["database"].Status != "fail" || got.Checks["database"].Message == "" {
		t.Errorf("database = %+v, want fail with message", got.Checks["database"])
	}

	if live := h.CheckHealth(); live.Status != "ok" {
		t.Errorf("liveness = %q, want ok", live.Status)
	}
}

func TestCasesDirCheck_MissingDir(t *testing.T) {
	check := CasesDirCheck(filepath.Join(t.TempDir(), "gone"))
	if err := check.Probe(context.Background()); err == nil {
		t.Error("missing case root should fail the probe")
	}

	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CasesDirCheck(file).Probe(context.Background()); err == nil {
		t.Error("regular file should fail the probe")
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/cases", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/cases", "404")); got != 1 {
		t.Errorf("http requests = %v, want 1", got)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics.
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/cases", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs != nil {
		t.Fatal("nil config should disable observability entirely")
	}
	if obs.MetricsOrNil() != nil {
		t.Error("MetricsOrNil on nil facade should be nil")
	}
	obs.Shutdown(context.Background())
}

func TestNew_MetricsOnly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs.Metrics == nil {
		t.Error("metrics should be enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracing should stay disabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
	if obs.TracerOrNil().Tracer() == nil {
		t.Error("noop tracer expected when tracing is disabled")
	}
}
