package mcp

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/lbforge/lbforge/internal/cases"
	"github.com/lbforge/lbforge/internal/runner"
	"github.com/lbforge/lbforge/internal/sandbox"
)

func newTestMCPServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	root := t.TempDir()
	caseDir := filepath.Join(root, "laminar", "cavity2d")
	if err := os.MkdirAll(caseDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(caseDir, "Makefile"), []byte("all:\n\ttrue\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(caseDir, "config.xml"), []byte("<param/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	sb, err := sandbox.New(root, logger)
	if err != nil {
		t.Fatal(err)
	}
	store := cases.NewStore(sb, cases.Config{}, logger)
	guard := runner.NewGuard(runner.Config{DefaultTimeout: 30 * time.Second}, logger)

	return NewServer(Config{Version: "test"}, store, guard, logger)
}

func callRequest(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func textContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		t.Fatalf("result content is not text: %#v", result.Content[0])
	}
	return tc.Text
}

func TestListCasesTool(t *testing.T) {
	s := newTestMCPServer(t)

	result, err := s.handleListCases(context.Background(), callRequest(nil))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", textContent(t, result))
	}
	out := textContent(t, result)
	if !containsAll(out, "laminar", "cavity2d") {
		t.Errorf("listing missing case: %s", out)
	}
}

func TestReadConfigTool(t *testing.T) {
	s := newTestMCPServer(t)

	t.Run("reads document", func(t *testing.T) {
		result, err := s.handleReadConfig(context.Background(), callRequest(map[string]interface{}{
			"case_path": "laminar/cavity2d",
		}))
		if err != nil {
			t.Fatal(err)
		}
		if got := textContent(t, result); got != "<param/>" {
			t.Errorf("content = %q", got)
		}
	})

	t.Run("missing argument", func(t *testing.T) {
		result, err := s.handleReadConfig(context.Background(), callRequest(nil))
		if err != nil {
			t.Fatal(err)
		}
		if !result.IsError {
			t.Error("expected tool error for missing case_path")
		}
	})

	t.Run("escape rejected", func(t *testing.T) {
		result, err := s.handleReadConfig(context.Background(), callRequest(map[string]interface{}{
			"case_path": "../../etc",
		}))
		if err != nil {
			t.Fatal(err)
		}
		if !result.IsError {
			t.Error("expected tool error for path escape")
		}
	})
}

func TestWriteConfigTool(t *testing.T) {
	s := newTestMCPServer(t)

	result, err := s.handleWriteConfig(context.Background(), callRequest(map[string]interface{}{
		"case_path": "laminar/cavity2d",
		"content":   "<param><x>1</x></param>",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", textContent(t, result))
	}

	read, err := s.handleReadConfig(context.Background(), callRequest(map[string]interface{}{
		"case_path": "laminar/cavity2d",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if got := textContent(t, read); got != "<param><x>1</x></param>" {
		t.Errorf("content after write = %q", got)
	}
}

func TestBuildTool(t *testing.T) {
	s := newTestMCPServer(t)

	result, err := s.handleBuild(context.Background(), callRequest(map[string]interface{}{
		"case_path": "laminar/cavity2d",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", textContent(t, result))
	}
	if out := textContent(t, result); !containsAll(out, "exit code 0") {
		t.Errorf("unexpected build output: %s", out)
	}
}

func TestBuildToolSurvivesCallerCancel(t *testing.T) {
	s := newTestMCPServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := s.handleBuild(ctx, callRequest(map[string]interface{}{
		"case_path": "laminar/cavity2d",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("canceled caller aborted the build: %s", textContent(t, result))
	}
	if out := textContent(t, result); !containsAll(out, "exit code 0") {
		t.Errorf("unexpected build output: %s", out)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
